package push

import (
	"context"

	"github.com/relaywatch/agent/internal/logging"
)

// DevProvider logs push notifications to console instead of sending
// them. Used for local development and when no APNs credentials are
// configured.
type DevProvider struct{}

// NewDevProvider creates a development push provider.
func NewDevProvider() *DevProvider {
	return &DevProvider{}
}

// Send logs the push notification and always succeeds.
func (d *DevProvider) Send(ctx context.Context, token string, payload Payload) error {
	logging.Info().
		Str("token", token).
		Str("title", payload.Title).
		Str("body", payload.Body).
		Str("user_uuid", payload.UserUUID).
		Str("server_id", payload.ServerID).
		Str("event_type", payload.EventType).
		Str("timestamp", payload.Timestamp).
		Msg("dev push notification")
	return nil
}

// Name returns the provider name.
func (d *DevProvider) Name() string {
	return "dev"
}
