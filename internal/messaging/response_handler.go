package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/CareLoop/internal/engine"
	"github.com/BTreeMap/CareLoop/internal/models"
)

// Dispatcher is the engine surface the pump drives. *engine.Engine
// satisfies it; tests substitute a mock.
type Dispatcher interface {
	HandleUserText(ctx context.Context, userID int64, username, text string, transcribed bool) ([]models.OutboundRender, error)
	HandleVoiceNote(ctx context.Context, userID int64, username string, audio []byte, mimeType string) ([]models.OutboundRender, error)
	HandleCheckinTap(ctx context.Context, userID int64, metric string, value int) ([]models.OutboundRender, error)
	HandleGenderTap(ctx context.Context, userID int64, gender string) ([]models.OutboundRender, error)
	StartCheckin(ctx context.Context, userID int64) ([]models.OutboundRender, error)
	StartProfile(ctx context.Context, userID int64, username string) ([]models.OutboundRender, error)
	AskGoal(ctx context.Context, userID int64) ([]models.OutboundRender, error)
	AskOutcome(ctx context.Context, userID int64) ([]models.OutboundRender, error)
	ChooseTopic(ctx context.Context, userID int64, topic string) ([]models.OutboundRender, error)
	SkipAbout(ctx context.Context, userID int64) ([]models.OutboundRender, error)
	RequestReset(ctx context.Context, userID int64) ([]models.OutboundRender, error)
	ConfirmReset(ctx context.Context, userID int64) ([]models.OutboundRender, error)
	CancelReset(ctx context.Context, userID int64) ([]models.OutboundRender, error)
}

// maxListedChoices bounds how many choices are rendered as text lines;
// longer rows (the 0-10 scales) rely on the prompt text instead.
const maxListedChoices = 6

// ResponseHandler pumps inbound responses from a Service into the engine
// and delivers the engine's renders back out.
//
// WhatsApp has no reliable interactive buttons over this transport, so
// choices are rendered as text options; the labels of the most recent
// render per user are remembered and a matching text reply is treated as
// the corresponding tap.
type ResponseHandler struct {
	svc Service
	eng Dispatcher

	mu          sync.Mutex
	lastChoices map[int64]map[string]string // normalized label -> callback data
}

// NewResponseHandler wires a delivery service to the engine.
func NewResponseHandler(svc Service, eng Dispatcher) *ResponseHandler {
	return &ResponseHandler{
		svc:         svc,
		eng:         eng,
		lastChoices: make(map[int64]map[string]string),
	}
}

// Start consumes the service's response channel until ctx is cancelled
// or the channel closes.
func (h *ResponseHandler) Start(ctx context.Context) error {
	if err := h.svc.Start(ctx); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			case resp, ok := <-h.svc.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				h.dispatch(ctx, resp)
			}
		}
	}()
	slog.Info("ResponseHandler started")
	return nil
}

// dispatch routes one inbound response and sends the resulting renders.
func (h *ResponseHandler) dispatch(ctx context.Context, resp models.Response) {
	var (
		out []models.OutboundRender
		err error
	)

	switch {
	case len(resp.Audio) > 0:
		out, err = h.eng.HandleVoiceNote(ctx, resp.From, resp.Username, resp.Audio, resp.AudioMime)
	case resp.CallbackData != "":
		out, err = h.handleCallback(ctx, resp.From, resp.CallbackData)
	default:
		out, err = h.handleText(ctx, resp)
	}
	if err != nil {
		slog.Error("ResponseHandler dispatch failed", "from", resp.From, "error", err)
	}
	h.sendRenders(ctx, resp.From, out)
}

// handleText resolves commands, menu labels and remembered choice labels
// before falling through to the engine's free-text path.
func (h *ResponseHandler) handleText(ctx context.Context, resp models.Response) ([]models.OutboundRender, error) {
	text := strings.TrimSpace(resp.Body)

	if strings.HasPrefix(text, "/") {
		return h.handleCommand(ctx, resp.From, resp.Username, text)
	}
	if data, ok := h.matchChoiceLabel(resp.From, text); ok {
		return h.handleCallback(ctx, resp.From, data)
	}
	switch text {
	case engine.MenuLabelCheckin:
		return h.eng.StartCheckin(ctx, resp.From)
	case engine.MenuLabelGoal:
		return h.eng.AskGoal(ctx, resp.From)
	case engine.MenuLabelOutcome:
		return h.eng.AskOutcome(ctx, resp.From)
	case engine.MenuLabelSupport:
		return []models.OutboundRender{engine.SupportMenu()}, nil
	case engine.MenuLabelReset:
		return h.eng.RequestReset(ctx, resp.From)
	}
	return h.eng.HandleUserText(ctx, resp.From, resp.Username, text, false)
}

func (h *ResponseHandler) handleCommand(ctx context.Context, userID int64, username, text string) ([]models.OutboundRender, error) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/start":
		return h.eng.StartProfile(ctx, userID, username)
	case "/checkin":
		return h.eng.StartCheckin(ctx, userID)
	case "/goal":
		return h.eng.AskGoal(ctx, userID)
	case "/outcome":
		return h.eng.AskOutcome(ctx, userID)
	case "/support":
		return []models.OutboundRender{engine.SupportMenu()}, nil
	case "/reset":
		return h.eng.RequestReset(ctx, userID)
	case "/help":
		return []models.OutboundRender{models.Render(engine.CapabilitiesMessage, engine.MainMenuChoices()...)}, nil
	default:
		slog.Debug("ResponseHandler unknown command", "from", userID, "command", cmd)
		return nil, nil
	}
}

// handleCallback interprets an opaque choice payload.
func (h *ResponseHandler) handleCallback(ctx context.Context, userID int64, data string) ([]models.OutboundRender, error) {
	parts := strings.Split(data, ":")
	switch parts[0] {
	case "checkin":
		if len(parts) == 2 && parts[1] == "start" {
			return h.eng.StartCheckin(ctx, userID)
		}
		if len(parts) == 3 {
			value, err := strconv.Atoi(parts[2])
			if err != nil {
				break
			}
			return h.eng.HandleCheckinTap(ctx, userID, parts[1], value)
		}
	case "gender":
		if len(parts) == 2 {
			return h.eng.HandleGenderTap(ctx, userID, parts[1])
		}
	case "goal":
		return h.eng.AskGoal(ctx, userID)
	case "outcome":
		return h.eng.AskOutcome(ctx, userID)
	case "topic":
		if len(parts) == 2 {
			return h.eng.ChooseTopic(ctx, userID, parts[1])
		}
	case "profile":
		if len(parts) == 2 && parts[1] == "skip_about" {
			return h.eng.SkipAbout(ctx, userID)
		}
	case "support":
		return []models.OutboundRender{engine.SupportMenu()}, nil
	case "reset":
		if len(parts) == 2 {
			switch parts[1] {
			case "start":
				return h.eng.RequestReset(ctx, userID)
			case "confirm":
				return h.eng.ConfirmReset(ctx, userID)
			case "cancel":
				return h.eng.CancelReset(ctx, userID)
			}
		}
	}
	slog.Debug("ResponseHandler ignoring unknown callback", "from", userID, "data", data)
	return nil, nil
}

// sendRenders delivers renders in order and remembers the last render's
// choice labels for text-reply matching.
func (h *ResponseHandler) sendRenders(ctx context.Context, to int64, renders []models.OutboundRender) {
	if len(renders) == 0 {
		return
	}
	for _, render := range renders {
		if err := h.svc.SendMessage(ctx, to, formatRender(render)); err != nil {
			slog.Error("ResponseHandler send failed", "to", to, "error", err)
			return
		}
	}

	// Only the final render's choices stay actionable.
	last := renders[len(renders)-1]
	h.mu.Lock()
	if len(last.Choices) == 0 {
		delete(h.lastChoices, to)
	} else {
		labels := make(map[string]string, len(last.Choices))
		for _, c := range last.Choices {
			labels[normalizeLabel(c.Label)] = c.Data
		}
		h.lastChoices[to] = labels
	}
	h.mu.Unlock()
}

func (h *ResponseHandler) matchChoiceLabel(userID int64, text string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	labels, ok := h.lastChoices[userID]
	if !ok {
		return "", false
	}
	data, ok := labels[normalizeLabel(text)]
	return data, ok
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// formatRender flattens a render into one WhatsApp text message. Short
// choice rows are listed as reply options; long numeric scales rely on
// the prompt text.
func formatRender(render models.OutboundRender) string {
	if len(render.Choices) == 0 || len(render.Choices) > maxListedChoices {
		return render.Body
	}
	var b strings.Builder
	b.WriteString(render.Body)
	b.WriteString("\n")
	for _, c := range render.Choices {
		b.WriteString("\n- ")
		b.WriteString(c.Label)
	}
	return b.String()
}
