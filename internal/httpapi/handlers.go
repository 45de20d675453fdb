package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/renfield-voice/renfield/internal/notify"
	"github.com/renfield-voice/renfield/internal/presence"
	"github.com/renfield-voice/renfield/internal/schedule"
	"github.com/renfield-voice/renfield/internal/store"
	"github.com/renfield-voice/renfield/internal/ttscache"
	"github.com/renfield-voice/renfield/internal/wakeword"
)

// handleWebhook accepts an external event and runs it through the pipeline.
// Suppressed duplicates answer 202 so senders can tell the two outcomes
// apart without treating either as a failure.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req notify.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "event_type and message are required")
		return
	}

	outcome, err := s.notifier.Submit(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}
	status := http.StatusCreated
	if outcome.Status == notify.OutcomeSuppressed {
		status = http.StatusConflict
	}
	respondJSON(w, status, outcome)
}

func (s *Server) handleRotateWebhookToken(w http.ResponseWriter, r *http.Request) {
	token := uuid.NewString()
	if err := s.settings.SetSetting(r.Context(), store.SettingWebhookToken, token); err != nil {
		respondError(w, http.StatusInternalServerError, "rotate_failed", err.Error())
		return
	}
	s.logger.Info().Msg("webhook token rotated")
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"devices": s.registry.Snapshot()})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"presence": s.tracker.Snapshot()})
}

func (s *Server) handleGetWakewordConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.fabric.GetConfig(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "config_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"config":         cfg,
		"config_version": s.fabric.Version(),
	})
}

func (s *Server) handlePatchWakewordConfig(w http.ResponseWriter, r *http.Request) {
	var upd wakeword.Update
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cfg, version, err := s.fabric.UpdateConfig(r.Context(), upd)
	if err != nil {
		switch {
		case errors.Is(err, wakeword.ErrInvalidThreshold),
			errors.Is(err, wakeword.ErrInvalidCooldown),
			errors.Is(err, wakeword.ErrEmptyKeyword):
			respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "update_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"config":         cfg,
		"config_version": version,
	})
}

func (s *Server) handleWakewordSync(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.fabric.Status())
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	f := store.NotificationFilter{
		Urgency: r.URL.Query().Get("urgency"),
		Status:  r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("room_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_room_id", err.Error())
			return
		}
		f.RoomID = &id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		f.Limit = n
	}

	items, err := s.notifier.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		By string `json:"by"`
	}
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.notifier.Acknowledge(r.Context(), id, body.By); err != nil {
		respondStoreError(w, err, "ack_failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.notifier.Dismiss(r.Context(), id); err != nil {
		respondStoreError(w, err, "dismiss_failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message   string `json:"message"`
		Trigger   string `json:"trigger"`
		RoomID    *int64 `json:"room_id,omitempty"`
		RoomName  string `json:"room_name,omitempty"`
		UserID    *int64 `json:"user_id,omitempty"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	rem, err := s.reminders.Create(r.Context(), schedule.CreateRequest{
		Message:     body.Message,
		TriggerSpec: body.Trigger,
		RoomID:      body.RoomID,
		RoomName:    body.RoomName,
		UserID:      body.UserID,
		SessionID:   body.SessionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrUnparseableTrigger), errors.Is(err, schedule.ErrTriggerInPast):
			respondError(w, http.StatusBadRequest, "invalid_trigger", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, rem)
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		limit = n
	}
	items, err := s.reminders.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reminders": items})
}

func (s *Server) handleCancelReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.reminders.Cancel(r.Context(), id); err != nil {
		respondStoreError(w, err, "cancel_failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		JobType string `json:"job_type"`
		Cron    string `json:"cron"`
		Config  string `json:"config,omitempty"`
		RoomID  *int64 `json:"room_id,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), body.Name, body.JobType, body.Cron, body.Config, body.RoomID)
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrInvalidCron), errors.Is(err, schedule.ErrNoRunIn366Day):
			respondError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	items, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

// handleEnrollRadioDevice binds a BLE MAC to a user (created on demand)
// and reloads the tracker's enrollment set.
func (s *Server) handleEnrollRadioDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MAC   string `json:"mac"`
		User  string `json:"user"`
		Role  string `json:"role,omitempty"`
		Label string `json:"label,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.MAC) == "" || strings.TrimSpace(body.User) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "mac and user are required")
		return
	}
	role := body.Role
	if role == "" {
		role = store.RoleHousehold
	}

	user, err := s.directory.EnsureUser(r.Context(), body.User, role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "enroll_failed", err.Error())
		return
	}
	if err := s.directory.UpsertRadioDevice(r.Context(), body.MAC, body.Label, user.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "enroll_failed", err.Error())
		return
	}
	s.reloadRadioDevices(r)
	respondJSON(w, http.StatusCreated, map[string]any{"user": user, "mac": strings.ToLower(body.MAC)})
}

func (s *Server) handleListRadioDevices(w http.ResponseWriter, r *http.Request) {
	items, err := s.directory.ListRadioDevices(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"radio_devices": items})
}

func (s *Server) reloadRadioDevices(r *http.Request) {
	if s.tracker == nil {
		return
	}
	devices, err := s.directory.ListRadioDevices(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("radio device reload failed")
		return
	}
	loaded := make([]presence.RadioDevice, 0, len(devices))
	for _, d := range devices {
		loaded = append(loaded, presence.RadioDevice{MAC: d.MAC, UserID: d.UserID, UserName: d.UserName})
	}
	s.tracker.LoadDevices(loaded)
}

func (s *Server) handleEnrollVoiceprint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID    int64     `json:"user_id"`
		Alias     string    `json:"alias,omitempty"`
		Embedding []float32 `json:"embedding"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.UserID <= 0 || len(body.Embedding) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and embedding are required")
		return
	}
	if err := s.directory.EnrollVoiceprint(r.Context(), body.UserID, body.Alias, body.Embedding); err != nil {
		respondError(w, http.StatusBadRequest, "enroll_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "enrolled"})
}

func (s *Server) handleListVoiceprints(w http.ResponseWriter, r *http.Request) {
	items, err := s.directory.ListVoiceprints(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"voiceprints": items})
}

func (s *Server) handleTTSCache(w http.ResponseWriter, r *http.Request) {
	wav, err := s.cache.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ttscache.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no such cached audio")
			return
		}
		respondError(w, http.StatusInternalServerError, "cache_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(wav)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "numeric id required")
		return 0, false
	}
	return id, true
}

func respondStoreError(w http.ResponseWriter, err error, code string) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, code, err.Error())
}
