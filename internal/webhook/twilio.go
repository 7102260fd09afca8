package webhook

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// ProviderTwilio is the provider name recorded on events originating from
// Twilio status callbacks.
const ProviderTwilio = "twilio"

// KindStatusCallback is the event kind for delivery status callbacks.
const KindStatusCallback = "status"

// statusCallbackFields are the Twilio form fields worth preserving on the
// normalized event for reconciliation.
var statusCallbackFields = []string{
	"MessageSid", "MessageStatus", "ErrorCode", "To", "From", "AccountSid",
}

// TwilioStatusEventFromForm normalizes a Twilio status callback form body.
// Returns an error when the required MessageSid or MessageStatus fields are
// missing.
func TwilioStatusEventFromForm(form url.Values, sigStatus models.SignatureStatus, traceID string) (ProviderStatusEvent, error) {
	messageSid := form.Get("MessageSid")
	if messageSid == "" {
		messageSid = form.Get("SmsSid")
	}
	messageStatus := form.Get("MessageStatus")
	if messageStatus == "" {
		messageStatus = form.Get("SmsStatus")
	}

	if messageSid == "" {
		return ProviderStatusEvent{}, fmt.Errorf("Twilio status callback missing MessageSid")
	}
	if messageStatus == "" {
		return ProviderStatusEvent{}, fmt.Errorf("Twilio status callback missing MessageStatus")
	}

	raw := make(map[string]string, len(statusCallbackFields))
	for _, field := range statusCallbackFields {
		if v := form.Get(field); v != "" {
			raw[field] = v
		}
	}

	return ProviderStatusEvent{
		Provider:          ProviderTwilio,
		Kind:              KindStatusCallback,
		ProviderMessageID: messageSid,
		MessageStatus:     strings.ToLower(messageStatus),
		ErrorCode:         form.Get("ErrorCode"),
		RawFields:         raw,
		SignatureStatus:   sigStatus,
		TraceID:           traceID,
	}, nil
}
