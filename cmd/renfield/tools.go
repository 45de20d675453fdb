package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/renfield-voice/renfield/internal/bridge"
	"github.com/renfield-voice/renfield/internal/intent"
	"github.com/renfield-voice/renfield/internal/llm"
	"github.com/renfield-voice/renfield/internal/notify"
	"github.com/renfield-voice/renfield/internal/schedule"
	"github.com/renfield-voice/renfield/internal/store"
)

// bridgeDomains are the service domains forwarded verbatim to the home
// bridge. Exact core tool registrations always win over these.
var bridgeDomains = []string{
	"light", "switch", "media_player", "climate", "cover",
	"fan", "lock", "scene", "script", "vacuum",
}

type toolDeps struct {
	reminders *schedule.ReminderService
	pipeline  *notify.Pipeline
	st        *store.Store
	llm       *llm.Client
	bridge    *bridge.Client
}

// registerTools wires the agent-callable surface: core assistant tools,
// plus bridge pass-through namespaces when a bridge is configured.
func registerTools(reg *intent.Registry, d toolDeps) error {
	core := []struct {
		spec intent.ToolSpec
		h    intent.Handler
	}{
		{
			intent.ToolSpec{
				Qualified:   "core.set_reminder",
				Description: "Schedule a reminder. Parameters: message (required), trigger (e.g. \"in 10 minutes\", \"at 18:30\", or an ISO timestamp), room (optional).",
			},
			d.setReminder,
		},
		{
			intent.ToolSpec{
				Qualified:   "core.cancel_reminder",
				Description: "Cancel a pending reminder by id. Parameters: id (required).",
			},
			d.cancelReminder,
		},
		{
			intent.ToolSpec{
				Qualified:   "core.send_notification",
				Description: "Send a notification to the household. Parameters: message (required), title, room, urgency (low|normal|high|critical).",
			},
			d.sendNotification,
		},
		{
			intent.ToolSpec{
				Qualified:   "core.save_memory",
				Description: "Store a fact for later recall. Parameters: content (required), kind (fact|preference|event).",
			},
			d.saveMemory,
		},
		{
			intent.ToolSpec{
				Qualified:   "core.recall_memory",
				Description: "Retrieve stored facts related to a query. Parameters: query (required).",
			},
			d.recallMemory,
		},
	}
	for _, t := range core {
		if err := reg.Register(t.spec, t.h); err != nil {
			return err
		}
	}

	if d.bridge == nil {
		return nil
	}
	if err := reg.Register(intent.ToolSpec{
		Qualified:   "bridge.call_service",
		Description: "Call a home bridge service directly. Parameters: domain, service, entity_id, plus service data fields.",
	}, d.callService); err != nil {
		return err
	}
	for _, domain := range bridgeDomains {
		if err := reg.RegisterNamespace(domain, d.domainCall); err != nil {
			return err
		}
	}
	return nil
}

func (d toolDeps) setReminder(ctx context.Context, in intent.Intent) (intent.Result, error) {
	message := stringParam(in, "message")
	trigger := stringParam(in, "trigger")
	if message == "" || trigger == "" {
		return intent.Result{}, fmt.Errorf("set_reminder requires message and trigger")
	}
	rem, err := d.reminders.Create(ctx, schedule.CreateRequest{
		Message:     message,
		TriggerSpec: trigger,
		RoomName:    stringParam(in, "room"),
	})
	if err != nil {
		return intent.Result{}, err
	}
	return intent.Result{
		Success: true,
		Output:  fmt.Sprintf("reminder %d scheduled for %s", rem.ID, rem.TriggerAt.Format("2006-01-02 15:04")),
	}, nil
}

func (d toolDeps) cancelReminder(ctx context.Context, in intent.Intent) (intent.Result, error) {
	id, err := int64Param(in, "id")
	if err != nil {
		return intent.Result{}, err
	}
	if err := d.reminders.Cancel(ctx, id); err != nil {
		return intent.Result{}, err
	}
	return intent.Result{Success: true, Output: fmt.Sprintf("reminder %d cancelled", id)}, nil
}

func (d toolDeps) sendNotification(ctx context.Context, in intent.Intent) (intent.Result, error) {
	message := stringParam(in, "message")
	if message == "" {
		return intent.Result{}, fmt.Errorf("send_notification requires message")
	}
	out, err := d.pipeline.Submit(ctx, notify.Request{
		EventType: "assistant.message",
		Title:     stringParam(in, "title"),
		Message:   message,
		Urgency:   stringParam(in, "urgency"),
		Room:      stringParam(in, "room"),
		TTS:       true,
		Source:    "agent",
	})
	if err != nil {
		return intent.Result{}, err
	}
	return intent.Result{Success: true, Output: "notification " + out.Status}, nil
}

func (d toolDeps) saveMemory(ctx context.Context, in intent.Intent) (intent.Result, error) {
	content := stringParam(in, "content")
	if content == "" {
		return intent.Result{}, fmt.Errorf("save_memory requires content")
	}
	kind := stringParam(in, "kind")
	if kind == "" {
		kind = "fact"
	}
	embedding, err := d.llm.Embeddings(ctx, content)
	if err != nil {
		return intent.Result{}, fmt.Errorf("embed memory: %w", err)
	}
	if _, err := d.st.SaveMemory(ctx, nil, kind, content, embedding); err != nil {
		return intent.Result{}, err
	}
	return intent.Result{Success: true, Output: "memory saved"}, nil
}

func (d toolDeps) recallMemory(ctx context.Context, in intent.Intent) (intent.Result, error) {
	query := stringParam(in, "query")
	if query == "" {
		return intent.Result{}, fmt.Errorf("recall_memory requires query")
	}
	embedding, err := d.llm.Embeddings(ctx, query)
	if err != nil {
		return intent.Result{}, fmt.Errorf("embed query: %w", err)
	}
	memories, err := d.st.SearchMemories(ctx, embedding, nil, 5)
	if err != nil {
		return intent.Result{}, err
	}
	if len(memories) == 0 {
		return intent.Result{Success: true, Output: "no stored memories match"}, nil
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, "- "+m.Content)
	}
	return intent.Result{Success: true, Output: strings.Join(lines, "\n")}, nil
}

// callService is the explicit bridge tool with domain and service as
// parameters.
func (d toolDeps) callService(ctx context.Context, in intent.Intent) (intent.Result, error) {
	domain := stringParam(in, "domain")
	service := stringParam(in, "service")
	if domain == "" || service == "" {
		return intent.Result{}, fmt.Errorf("call_service requires domain and service")
	}
	return d.invokeBridge(ctx, domain, service, in.Parameters)
}

// domainCall handles natural emissions like "light.turn_on" where the
// namespace is the bridge domain and the intent name is the service.
func (d toolDeps) domainCall(ctx context.Context, in intent.Intent) (intent.Result, error) {
	return d.invokeBridge(ctx, in.Namespace, in.Name, in.Parameters)
}

func (d toolDeps) invokeBridge(ctx context.Context, domain, service string, params map[string]any) (intent.Result, error) {
	entityID := ""
	data := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case "entity_id":
			entityID, _ = v.(string)
		case "domain", "service":
		default:
			data[k] = v
		}
	}
	if err := d.bridge.CallService(ctx, domain, service, entityID, data); err != nil {
		return intent.Result{}, err
	}
	return intent.Result{Success: true, Output: fmt.Sprintf("%s.%s executed", domain, service)}, nil
}

func stringParam(in intent.Intent, key string) string {
	v, _ := in.Parameters[key].(string)
	return strings.TrimSpace(v)
}

func int64Param(in intent.Intent, key string) (int64, error) {
	switch v := in.Parameters[key].(type) {
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q is not an integer", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("parameter %q is required", key)
	}
}

// pendingSource adapts a registered "*.pending_notifications" tool into a
// poller source.
type pendingSource struct {
	name string
	reg  *intent.Registry
}

func (s pendingSource) Name() string { return s.name }

func (s pendingSource) Invoke(ctx context.Context) (string, error) {
	in, err := intent.Parse(s.name, nil)
	if err != nil {
		return "", err
	}
	res, err := s.reg.Dispatch(ctx, in)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

func pendingSources(reg *intent.Registry) []notify.PendingSource {
	var out []notify.PendingSource
	for _, spec := range reg.Specs() {
		if strings.HasSuffix(spec.Qualified, ".pending_notifications") {
			out = append(out, pendingSource{name: spec.Qualified, reg: reg})
		}
	}
	return out
}
