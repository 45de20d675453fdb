package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestBridge(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Token: "secret-token"})
}

func TestGetStateCarriesBearerToken(t *testing.T) {
	c := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Fatalf("auth header %q", got)
		}
		if r.URL.Path != "/api/states/media_player.kitchen" {
			t.Fatalf("path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(EntityState{
			EntityID:   "media_player.kitchen",
			State:      "playing",
			Attributes: map[string]any{"volume_level": 0.4},
		})
	})

	state, err := c.GetState(context.Background(), "media_player.kitchen")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.State != "playing" {
		t.Fatalf("state %q", state.State)
	}

	vol, err := c.PlayerVolume(context.Background(), "media_player.kitchen")
	if err != nil || vol != 0.4 {
		t.Fatalf("volume %v %v", vol, err)
	}
}

func TestGetStateNotFound(t *testing.T) {
	c := newTestBridge(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	if _, err := c.GetState(context.Background(), "light.gone"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("got %v, want ErrEntityNotFound", err)
	}
}

func TestCallServiceShapesPayload(t *testing.T) {
	c := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/services/media_player/volume_set" {
			t.Fatalf("path %s", r.URL.Path)
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["entity_id"] != "media_player.kitchen" || payload["volume_level"] != 0.7 {
			t.Fatalf("payload %v", payload)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.SetPlayerVolume(context.Background(), "media_player.kitchen", 0.7); err != nil {
		t.Fatalf("set volume: %v", err)
	}
}

func TestListAndCreateAreas(t *testing.T) {
	c := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/areas" {
			t.Fatalf("path %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]Area{{ID: "a1", Name: "Kitchen"}})
		case http.MethodPost:
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)
			json.NewEncoder(w).Encode(Area{ID: "a2", Name: payload["name"], Icon: payload["icon"]})
		default:
			t.Fatalf("method %s", r.Method)
		}
	})

	areas, err := c.ListAreas(context.Background())
	if err != nil || len(areas) != 1 || areas[0].Name != "Kitchen" {
		t.Fatalf("areas %v %v", areas, err)
	}

	created, err := c.CreateArea(context.Background(), "Bedroom", "mdi:bed")
	if err != nil || created.ID != "a2" || created.Icon != "mdi:bed" {
		t.Fatalf("created %v %v", created, err)
	}
}
