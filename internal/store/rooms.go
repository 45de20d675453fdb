package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
)

// Room groups devices and output sinks behind a voice-matchable alias.
type Room struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Alias        string    `json:"alias"`
	BridgeAreaID string    `json:"bridge_area_id,omitempty"`
	Source       string    `json:"source"`
	Icon         string    `json:"icon,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Room source tags.
const (
	RoomSourceLocal    = "local"
	RoomSourceBridge   = "bridge"
	RoomSourceInferred = "device-inferred"
)

// NormalizeRoomName folds a display name into the alias form used for voice
// matching: lowercase, umlauts unfolded, everything non-alphanumeric
// stripped. Idempotent.
func NormalizeRoomName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch r {
		case 'ä':
			b.WriteString("ae")
		case 'ö':
			b.WriteString("oe")
		case 'ü':
			b.WriteString("ue")
		case 'ß':
			b.WriteString("ss")
		default:
			if r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

const roomColumns = `id, name, alias, bridge_area_id, source, icon, is_active, created_at, updated_at`

func scanRoom(row pgx.Row) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.Alias, &r.BridgeAreaID, &r.Source, &r.Icon, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// RoomByNameOrAlias resolves a room by exact name first, then by the
// normalized alias.
func (s *Store) RoomByNameOrAlias(ctx context.Context, name string) (Room, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE is_active AND name = $1`, name)
	r, err := scanRoom(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Room{}, fmt.Errorf("query room by name: %w", err)
	}

	row = s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE is_active AND alias = $1`, NormalizeRoomName(name))
	r, err = scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("query room by alias: %w", err)
	}
	return r, nil
}

// RoomByID fetches one room.
func (s *Store) RoomByID(ctx context.Context, id int64) (Room, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE is_active AND id = $1`, id)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("query room: %w", err)
	}
	return r, nil
}

// EnsureRoom returns the existing room for name or creates one with the
// given source tag.
func (s *Store) EnsureRoom(ctx context.Context, name, source string) (Room, error) {
	if r, err := s.RoomByNameOrAlias(ctx, name); err == nil {
		return r, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Room{}, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO rooms (name, alias, source) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET updated_at = now()
		 RETURNING `+roomColumns,
		name, NormalizeRoomName(name), source)
	r, err := scanRoom(row)
	if err != nil {
		return Room{}, fmt.Errorf("ensure room: %w", err)
	}
	return r, nil
}

// ListRooms lists active rooms.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
