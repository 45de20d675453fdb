package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// User roles for the privacy gate.
const (
	RoleHousehold = "household"
	RoleGuest     = "guest"
)

// User is a tracked person.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// RadioDevice maps a BLE/WiFi MAC to its owner.
type RadioDevice struct {
	MAC      string `json:"mac"`
	Name     string `json:"name"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

// ListRadioDevices returns every registered radio with its owner resolved.
func (s *Store) ListRadioDevices(ctx context.Context) ([]RadioDevice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.mac, r.label, r.user_id, u.name
		 FROM radio_devices r JOIN users u ON u.id = r.user_id`)
	if err != nil {
		return nil, fmt.Errorf("list radio devices: %w", err)
	}
	defer rows.Close()
	var out []RadioDevice
	for rows.Next() {
		var d RadioDevice
		if err := rows.Scan(&d.MAC, &d.Name, &d.UserID, &d.UserName); err != nil {
			return nil, fmt.Errorf("scan radio device: %w", err)
		}
		d.MAC = strings.ToLower(d.MAC)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertRadioDevice registers or reassigns a MAC.
func (s *Store) UpsertRadioDevice(ctx context.Context, mac, name string, userID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO radio_devices (mac, label, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (mac) DO UPDATE SET label = EXCLUDED.label, user_id = EXCLUDED.user_id`,
		strings.ToLower(mac), name, userID)
	if err != nil {
		return fmt.Errorf("upsert radio device: %w", err)
	}
	return nil
}

// UserByID fetches one user.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `SELECT id, name, role FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// UserRoles returns the role of each named user. Names absent from the
// users table are missing from the map.
func (s *Store) UserRoles(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT name, role FROM users WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string, len(names))
	for rows.Next() {
		var name, role string
		if err := rows.Scan(&name, &role); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		out[name] = role
	}
	return out, rows.Err()
}

// EnsureUser creates a user by name if missing and returns it.
func (s *Store) EnsureUser(ctx context.Context, name, role string) (User, error) {
	if role == "" {
		role = RoleHousehold
	}
	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (name, role) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name, role`,
		name, role).Scan(&u.ID, &u.Name, &u.Role)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}
