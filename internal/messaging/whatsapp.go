package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// Constants for WhatsApp provider configuration
const (
	// DefaultWhatsAppDBPath is the default path for the whatsmeow session database
	DefaultWhatsAppDBPath = "/var/lib/easy-islanders/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppOpts holds configuration options for the WhatsApp provider.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// WhatsAppOption defines a configuration option for the WhatsApp provider.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow session database connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the provider to write the login QR code to the
// specified path instead of stdout.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode instructs the provider to print a numeric login code instead
// of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppProvider sends messages through WhatsApp via whatsmeow. The message
// ID whatsmeow assigns on send is the provider message id recorded on the
// dispatch ledger.
type WhatsAppProvider struct {
	waClient *whatsmeow.Client
}

var _ Provider = (*WhatsAppProvider)(nil)

// NewWhatsAppProvider creates a WhatsApp-backed provider. The session database
// DSN falls back to the WHATSAPP_DB_DSN environment variable, then to the
// default SQLite path. A fresh session triggers the interactive QR login flow.
func NewWhatsAppProvider(opts ...WhatsAppOption) (*WhatsAppProvider, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = os.Getenv("WHATSAPP_DB_DSN")
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultWhatsAppDBPath
		slog.Debug("No WhatsApp session DSN provided, using default SQLite path", "default_path", cfg.DBDSN)
	}
	if !cfg.NumericCode {
		cfg.NumericCode = util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false)
	}

	dbDriver := "sqlite3"
	if strings.HasPrefix(cfg.DBDSN, "postgres://") || strings.Contains(cfg.DBDSN, "host=") {
		dbDriver = "postgres"
	} else if !strings.Contains(cfg.DBDSN, "_foreign_keys") && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		// whatsmeow strongly recommends foreign keys on its SQLite session store.
		slog.Warn("WhatsApp session SQLite DSN has no foreign keys enabled",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp provider initializing session store", "driver", dbDriver, "dsn_set", cfg.DBDSN != "")
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}

		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	slog.Info("WhatsApp provider connected successfully")
	return &WhatsAppProvider{waClient: waClient}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number
// in the same way the Twilio provider does, so the two channels share one
// address format on the ledger.
func (p *WhatsAppProvider) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < models.MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, models.MinRecipientDigits)
	}
	return canonical, nil
}

// SendMessage sends a WhatsApp message and returns the message ID whatsmeow
// assigned to it.
func (p *WhatsAppProvider) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if p.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	canonicalTo, err := p.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", models.ErrEmptyBody
	}

	jid := types.NewJID(canonicalTo, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	resp, err := p.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("whatsapp accepted message but returned no id")
	}

	slog.Info("WhatsAppProvider.SendMessage accepted", "to", canonicalTo, "messageID", resp.ID)
	return string(resp.ID), nil
}

// Disconnect closes the WhatsApp connection.
func (p *WhatsAppProvider) Disconnect() {
	if p.waClient != nil {
		p.waClient.Disconnect()
	}
}
