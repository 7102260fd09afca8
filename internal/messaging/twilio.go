package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// phoneNumberRegex matches every character that is not a digit; recipients are
// canonicalized by stripping these.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Opts holds configuration options for the Twilio provider.
type Opts struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	StatusCallbackURL string
}

// Option defines a configuration option for the Twilio provider.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sender number messages are dispatched from.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithStatusCallbackURL sets the URL Twilio posts delivery status callbacks to.
// When empty, no callback is requested and delivery confirmation relies on the
// synchronous accept response only.
func WithStatusCallbackURL(url string) Option {
	return func(o *Opts) { o.StatusCallbackURL = url }
}

// TwilioProvider sends messages through the Twilio REST API.
type TwilioProvider struct {
	client            *twilio.RestClient
	fromNumber        string
	statusCallbackURL string
}

var _ Provider = (*TwilioProvider)(nil)

// NewTwilioProvider creates a Twilio-backed provider. Options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and
// TWILIO_STATUS_CALLBACK_URL environment variables when unset.
func NewTwilioProvider(opts ...Option) (*TwilioProvider, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.StatusCallbackURL == "" {
		cfg.StatusCallbackURL = os.Getenv("TWILIO_STATUS_CALLBACK_URL")
	}

	slog.Debug("Twilio provider config loaded",
		"accountSIDSet", cfg.AccountSID != "",
		"authTokenSet", cfg.AuthToken != "",
		"fromNumberSet", cfg.FromNumber != "",
		"statusCallbackSet", cfg.StatusCallbackURL != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioProvider{
		client:            client,
		fromNumber:        cfg.FromNumber,
		statusCallbackURL: cfg.StatusCallbackURL,
	}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
// It removes all non-numeric characters and validates the result has at least
// the minimum digit count.
func (p *TwilioProvider) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	wasModified := recipient != canonical

	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < models.MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, models.MinRecipientDigits)
	}

	if wasModified {
		slog.Debug("TwilioProvider canonicalized recipient", "original", recipient, "canonical", canonical)
	}

	return canonical, nil
}

// SendMessage sends a message via Twilio and returns the message SID assigned
// on acceptance.
func (p *TwilioProvider) SendMessage(ctx context.Context, to string, body string) (string, error) {
	canonicalTo, err := p.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioProvider.SendMessage validation error", "error", err, "to", to)
		return "", err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + canonicalTo)
	params.SetFrom(p.fromNumber)
	params.SetBody(body)
	if p.statusCallbackURL != "" {
		params.SetStatusCallback(p.statusCallbackURL)
	}

	resp, err := p.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("failed to send message via Twilio: %w", err)
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("Twilio accepted message but returned no SID")
	}

	slog.Info("TwilioProvider.SendMessage accepted", "to", canonicalTo, "sid", *resp.Sid)
	return *resp.Sid, nil
}

// SignatureValidator verifies X-Twilio-Signature headers on inbound webhooks.
type SignatureValidator struct {
	validator twilioClient.RequestValidator
	enabled   bool
}

// NewSignatureValidator creates a validator for the given auth token. An empty
// token disables verification; inbound events are then recorded with signature
// status missing_secret rather than rejected.
func NewSignatureValidator(authToken string) *SignatureValidator {
	if authToken == "" {
		slog.Warn("SignatureValidator: no auth token configured, webhook signatures will not be verified")
		return &SignatureValidator{enabled: false}
	}
	return &SignatureValidator{
		validator: twilioClient.NewRequestValidator(authToken),
		enabled:   true,
	}
}

// Verify checks the signature over the full callback URL and form parameters.
// Returns the signature status to record on the webhook event.
func (v *SignatureValidator) Verify(url string, params map[string]string, signature string) models.SignatureStatus {
	if !v.enabled {
		return models.SignatureMissingSecret
	}
	if v.validator.Validate(url, params, signature) {
		return models.SignatureVerified
	}
	return models.SignatureInvalid
}
