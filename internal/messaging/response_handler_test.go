package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CareLoop/internal/engine"
	"github.com/BTreeMap/CareLoop/internal/models"
)

// mockService implements Service and records outbound sends.
type mockService struct {
	mu        sync.Mutex
	sent      []string
	sentTo    []int64
	responses chan models.Response
	receipts  chan models.Receipt
}

func newMockService() *mockService {
	return &mockService{
		responses: make(chan models.Response, 10),
		receipts:  make(chan models.Receipt, 10),
	}
}

func (m *mockService) SendMessage(_ context.Context, to int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	m.sentTo = append(m.sentTo, to)
	return nil
}

func (m *mockService) Start(context.Context) error       { return nil }
func (m *mockService) Stop() error                       { return nil }
func (m *mockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) lastSent(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return m.sent[len(m.sent)-1]
}

// call records one dispatcher invocation.
type call struct {
	method string
	text   string
	metric string
	value  int
}

// mockDispatcher implements Dispatcher and records the calls it receives.
type mockDispatcher struct {
	calls   []call
	renders []models.OutboundRender
}

func (m *mockDispatcher) record(c call) ([]models.OutboundRender, error) {
	m.calls = append(m.calls, c)
	return m.renders, nil
}

func (m *mockDispatcher) HandleUserText(_ context.Context, _ int64, _, text string, transcribed bool) ([]models.OutboundRender, error) {
	method := "text"
	if transcribed {
		method = "transcribed_text"
	}
	return m.record(call{method: method, text: text})
}

func (m *mockDispatcher) HandleVoiceNote(_ context.Context, _ int64, _ string, _ []byte, _ string) ([]models.OutboundRender, error) {
	return m.record(call{method: "voice"})
}

func (m *mockDispatcher) HandleCheckinTap(_ context.Context, _ int64, metric string, value int) ([]models.OutboundRender, error) {
	return m.record(call{method: "checkin_tap", metric: metric, value: value})
}

func (m *mockDispatcher) HandleGenderTap(_ context.Context, _ int64, gender string) ([]models.OutboundRender, error) {
	return m.record(call{method: "gender_tap", text: gender})
}

func (m *mockDispatcher) StartCheckin(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "start_checkin"})
}

func (m *mockDispatcher) StartProfile(_ context.Context, _ int64, _ string) ([]models.OutboundRender, error) {
	return m.record(call{method: "start_profile"})
}

func (m *mockDispatcher) AskGoal(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "ask_goal"})
}

func (m *mockDispatcher) AskOutcome(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "ask_outcome"})
}

func (m *mockDispatcher) ChooseTopic(_ context.Context, _ int64, topic string) ([]models.OutboundRender, error) {
	return m.record(call{method: "choose_topic", text: topic})
}

func (m *mockDispatcher) SkipAbout(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "skip_about"})
}

func (m *mockDispatcher) RequestReset(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "request_reset"})
}

func (m *mockDispatcher) ConfirmReset(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "confirm_reset"})
}

func (m *mockDispatcher) CancelReset(context.Context, int64) ([]models.OutboundRender, error) {
	return m.record(call{method: "cancel_reset"})
}

func (m *mockDispatcher) lastCall(t *testing.T) call {
	t.Helper()
	if len(m.calls) == 0 {
		t.Fatal("dispatcher was not called")
	}
	return m.calls[len(m.calls)-1]
}

func newPump() (*ResponseHandler, *mockService, *mockDispatcher) {
	svc := newMockService()
	disp := &mockDispatcher{renders: []models.OutboundRender{models.Render("reply")}}
	return NewResponseHandler(svc, disp), svc, disp
}

func TestDispatchFreeTextReachesEngine(t *testing.T) {
	h, svc, disp := newPump()

	h.dispatch(context.Background(), models.Response{From: 15551234567, Body: "I had a rough day"})

	c := disp.lastCall(t)
	if c.method != "text" || c.text != "I had a rough day" {
		t.Errorf("dispatched %+v", c)
	}
	if svc.lastSent(t) != "reply" {
		t.Errorf("sent %q, want engine render", svc.lastSent(t))
	}
}

func TestDispatchCommands(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/start", "start_profile"},
		{"/checkin", "start_checkin"},
		{"/goal", "ask_goal"},
		{"/outcome", "ask_outcome"},
		{"/reset", "request_reset"},
	}
	for _, tt := range tests {
		h, _, disp := newPump()
		h.dispatch(context.Background(), models.Response{From: 1, Body: tt.text})
		if c := disp.lastCall(t); c.method != tt.want {
			t.Errorf("%s dispatched %q, want %q", tt.text, c.method, tt.want)
		}
	}
}

func TestDispatchMenuLabels(t *testing.T) {
	h, _, disp := newPump()
	h.dispatch(context.Background(), models.Response{From: 1, Body: engine.MenuLabelCheckin})
	if c := disp.lastCall(t); c.method != "start_checkin" {
		t.Errorf("menu label dispatched %q", c.method)
	}
}

func TestDispatchCallbacks(t *testing.T) {
	tests := []struct {
		data string
		want call
	}{
		{"checkin:start", call{method: "start_checkin"}},
		{"checkin:mood:6", call{method: "checkin_tap", metric: "mood", value: 6}},
		{"gender:female", call{method: "gender_tap", text: "female"}},
		{"goal:start", call{method: "ask_goal"}},
		{"outcome:start", call{method: "ask_outcome"}},
		{"topic:stress", call{method: "choose_topic", text: "stress"}},
		{"profile:skip_about", call{method: "skip_about"}},
		{"reset:confirm", call{method: "confirm_reset"}},
		{"reset:cancel", call{method: "cancel_reset"}},
	}
	for _, tt := range tests {
		h, _, disp := newPump()
		h.dispatch(context.Background(), models.Response{From: 1, CallbackData: tt.data})
		if c := disp.lastCall(t); c != tt.want {
			t.Errorf("%s dispatched %+v, want %+v", tt.data, c, tt.want)
		}
	}
}

// TestMainMenuCoversEveryFlow pins the menu contents and checks that
// each entry's callback actually resolves to a reply, so no flow is
// reachable only by typing its command.
func TestMainMenuCoversEveryFlow(t *testing.T) {
	labels := make(map[string]bool)
	for _, c := range engine.MainMenuChoices() {
		labels[c.Label] = true
	}
	for _, want := range []string{
		engine.MenuLabelCheckin,
		engine.MenuLabelGoal,
		engine.MenuLabelOutcome,
		engine.MenuLabelSupport,
		engine.MenuLabelReset,
	} {
		if !labels[want] {
			t.Errorf("main menu missing %q", want)
		}
	}

	for _, choice := range engine.MainMenuChoices() {
		h, svc, _ := newPump()
		h.dispatch(context.Background(), models.Response{From: 1, CallbackData: choice.Data})
		svc.mu.Lock()
		sent := len(svc.sent)
		svc.mu.Unlock()
		if sent == 0 {
			t.Errorf("menu choice %q (%s) produced no reply", choice.Label, choice.Data)
		}
	}
}

func TestDispatchUnknownCallbackIgnored(t *testing.T) {
	h, svc, disp := newPump()
	h.dispatch(context.Background(), models.Response{From: 1, CallbackData: "bogus:thing"})
	if len(disp.calls) != 0 {
		t.Errorf("unknown callback must not reach the engine, got %+v", disp.calls)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.sent) != 0 {
		t.Error("unknown callback must not produce output")
	}
}

func TestDispatchVoiceNote(t *testing.T) {
	h, _, disp := newPump()
	h.dispatch(context.Background(), models.Response{From: 1, Audio: []byte("ogg"), AudioMime: "audio/ogg"})
	if c := disp.lastCall(t); c.method != "voice" {
		t.Errorf("audio dispatched %q", c.method)
	}
}

func TestChoiceLabelReplyBecomesTap(t *testing.T) {
	h, _, disp := newPump()
	disp.renders = []models.OutboundRender{
		models.Render("are you sure?",
			models.Choice{Label: "Yes, erase everything", Data: "reset:confirm"},
			models.Choice{Label: "Cancel", Data: "reset:cancel"},
		),
	}

	ctx := context.Background()
	h.dispatch(ctx, models.Response{From: 7, Body: "/reset"})

	// A plain text reply matching a remembered label acts as that tap.
	disp.renders = []models.OutboundRender{models.Render("done")}
	h.dispatch(ctx, models.Response{From: 7, Body: "cancel"})
	if c := disp.lastCall(t); c.method != "cancel_reset" {
		t.Errorf("label reply dispatched %q, want cancel_reset", c.method)
	}

	// The match is per user: another user typing the same text falls
	// through to free text.
	h.dispatch(ctx, models.Response{From: 8, Body: "cancel"})
	if c := disp.lastCall(t); c.method != "text" {
		t.Errorf("other user dispatched %q, want text", c.method)
	}
}

func TestFormatRenderListsShortChoiceRows(t *testing.T) {
	short := models.Render("pick one",
		models.Choice{Label: "A", Data: "a"},
		models.Choice{Label: "B", Data: "b"},
	)
	got := formatRender(short)
	if !strings.Contains(got, "- A") || !strings.Contains(got, "- B") {
		t.Errorf("short choice rows should be listed, got %q", got)
	}

	var scale []models.Choice
	for i := 0; i <= 10; i++ {
		scale = append(scale, models.Choice{Label: "x", Data: "d"})
	}
	long := models.Render("rate 0-10", scale...)
	if got := formatRender(long); got != "rate 0-10" {
		t.Errorf("long scale rows should not be listed, got %q", got)
	}
}

func TestTwilioWebhookEmitsResponse(t *testing.T) {
	svc := NewTwilioService(nil)

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	select {
	case resp := <-svc.Responses():
		if resp.From != 15551234567 {
			t.Errorf("From = %d, want 15551234567", resp.From)
		}
		if resp.Body != "hello" {
			t.Errorf("Body = %q", resp.Body)
		}
	default:
		t.Fatal("expected a response on the channel")
	}
}

func TestTwilioWebhookRejectsBadSender(t *testing.T) {
	svc := NewTwilioService(nil)

	form := url.Values{}
	form.Set("From", "whatsapp:not-a-number")
	form.Set("Body", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("webhook status = %d, want 400", rec.Code)
	}
}

func TestUserIDFromJID(t *testing.T) {
	if id, ok := userIDFromJID("15551234567"); !ok || id != 15551234567 {
		t.Errorf("userIDFromJID() = %d, %v", id, ok)
	}
	if _, ok := userIDFromJID("group-chat"); ok {
		t.Error("non-numeric JID user must be rejected")
	}
}
