// Package messaging provides the outbound provider abstraction used by the
// dispatch ledger, plus the Twilio implementation.
package messaging

import (
	"context"
	"errors"
)

// ErrProviderStopped is returned when a send is attempted on a stopped provider.
var ErrProviderStopped = errors.New("messaging provider is stopped")

// Provider defines a pluggable outbound message delivery abstraction.
// Implementations return the provider-assigned message identifier on success;
// it is the correlation handle for asynchronous status callbacks.
type Provider interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails. Each provider implements its own recipient rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient and returns the provider
	// message identifier assigned on acceptance.
	SendMessage(ctx context.Context, to string, body string) (string, error)
}
