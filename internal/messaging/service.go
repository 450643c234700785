// Package messaging connects the flow resolver to WhatsApp transports.
// A Service moves raw messages across the wire; the ResponseHandler pump
// consumes inbound responses, dispatches them to the engine and sends the
// resulting renders back out.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/CareLoop/internal/models"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction. Users are
// addressed by their numeric id (WhatsApp phone digits).
type Service interface {
	// SendMessage sends a text message to a user.
	SendMessage(ctx context.Context, to int64, body string) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of delivery status events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}
