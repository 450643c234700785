package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/CareLoop/internal/models"
	"github.com/BTreeMap/CareLoop/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

const (
	// DefaultChannelBufferSize defines the buffer size for receipt and
	// response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel sends.
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based client.
type WhatsAppService struct {
	sender    whatsapp.Sender
	waClient  *whatsapp.Client // nil for mock senders; enables event handling
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.Mutex
	stopped   bool
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
// When the sender is a full *whatsapp.Client, inbound events are wired up.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		sender:    sender,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	if waClient, ok := sender.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface sender (likely mock)")
	}

	return service
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
	}
	return nil
}

// Stop signals background processing to stop. The data channels stay
// open: the whatsmeow event handler keeps its registration until the
// client disconnects, and a late event must never hit a closed channel.
// Stop is safe to call more than once.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to int64, body string) error {
	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "body_length", len(body))
	if err := s.sender.SendMessage(ctx, strconv.FormatInt(to, 10), body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return err
	}
	s.emitReceipt(models.Receipt{To: to, Status: models.StatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(ctx, v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})

	slog.Debug("WhatsAppService event handler registered")
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// userIDFromJID converts the digits of a WhatsApp JID user part into the
// numeric user id used throughout the engine.
func userIDFromJID(user string) (int64, bool) {
	id, err := strconv.ParseInt(user, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// handleIncomingMessage converts a WhatsApp message event into a Response.
// Text and voice notes are forwarded; other media is ignored.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt.Message == nil {
		return
	}
	userID, ok := userIDFromJID(evt.Info.Sender.User)
	if !ok {
		slog.Debug("WhatsAppService ignoring message with non-numeric sender", "sender", evt.Info.Sender.String())
		return
	}

	response := models.Response{
		From:     userID,
		Username: evt.Info.PushName,
		Time:     evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.Conversation != nil:
		response.Body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		response.Body = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.AudioMessage != nil:
		audio, mime, err := s.waClient.DownloadAudio(ctx, evt.Message.AudioMessage)
		if err != nil {
			slog.Warn("WhatsAppService voice note download failed", "from", userID, "error", err)
			return
		}
		response.Audio = audio
		response.AudioMime = mime
	default:
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", userID)
		return
	}

	select {
	case <-s.done:
		slog.Debug("WhatsAppService dropping message arriving after stop", "from", userID)
	case s.responses <- response:
		slog.Debug("WhatsAppService incoming message forwarded", "from", userID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", userID)
	}
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	userID, ok := userIDFromJID(evt.MessageSource.Sender.User)
	if !ok {
		return
	}

	var status string
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.StatusDelivered
	case events.ReceiptTypeRead:
		status = models.StatusRead
	default:
		return
	}

	s.emitReceipt(models.Receipt{To: userID, Status: status, Time: evt.Timestamp.Unix()})
}

func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	select {
	case <-s.done:
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}
