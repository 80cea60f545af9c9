package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/herald/internal/queue"
)

// TLS modes for the SMTP relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// EmailConfig describes the SMTP relay used for the email channel
type EmailConfig struct {
	Addr               string
	TLSMode            string
	InsecureSkipVerify bool
	Username           string
	Password           string
	From               string
	FromName           string
	HeloName           string
	Timeout            time.Duration
	DKIM               *DKIMConfig
}

// EmailSender relays email notifications through an SMTP server
type EmailSender struct {
	cfg    EmailConfig
	signer *dkimSigner
	logger *slog.Logger
}

// NewEmailSender creates an email sender, loading the DKIM key if configured
func NewEmailSender(cfg EmailConfig, logger *slog.Logger) (*EmailSender, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("email: relay address is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("email: from address is required")
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSStartTLS
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &EmailSender{cfg: cfg, logger: logger}

	if cfg.DKIM != nil {
		signer, err := newDKIMSigner(*cfg.DKIM)
		if err != nil {
			return nil, err
		}
		s.signer = signer
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	return s, nil
}

// Send implements Sender
func (s *EmailSender) Send(ctx context.Context, item *queue.Item) error {
	if item.RecipientEmail == "" {
		return Permanent(queue.ChannelEmail, "recipient has no email address", nil)
	}
	to, err := mail.ParseAddress(item.RecipientEmail)
	if err != nil {
		return Permanent(queue.ChannelEmail, "invalid email address "+item.RecipientEmail, err)
	}

	data := buildMessage(s.cfg.From, s.cfg.FromName, to.Address, item, time.Now())

	if s.signer != nil {
		signed, err := s.signer.sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned", "domain", s.signer.domain, "error", err)
		} else {
			data = signed
		}
	}

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return categorizeSMTPError(err, "AUTH")
		}
	}

	if err := client.Mail(s.cfg.From, nil); err != nil {
		return categorizeSMTPError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to.Address, nil); err != nil {
		return categorizeSMTPError(err, "RCPT TO "+to.Address)
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeSMTPError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return Transient(queue.ChannelEmail, "failed to write message data", err)
	}
	if err := wc.Close(); err != nil {
		return categorizeSMTPError(err, "DATA close")
	}

	client.Quit()

	s.logger.Debug("email relayed", "item_id", item.ID, "to", to.Address)
	return nil
}

func (s *EmailSender) connect(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return nil, Permanent(queue.ChannelEmail, "invalid relay address", err)
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, Transient(queue.ChannelEmail, "connection to relay failed", err)
	}

	// The client resets connection deadlines per command, so cancellation
	// is enforced by closing the connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var client *smtp.Client
	switch s.cfg.TLSMode {
	case TLSStartTLS:
		// EHLO and STARTTLS happen before the configured name can be set,
		// so the name is announced again over the encrypted connection.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, s.connectError(ctx, "STARTTLS", err)
		}
	case TLSImplicit:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	default:
		client = smtp.NewClient(conn)
	}
	client.CommandTimeout = s.cfg.Timeout
	client.SubmissionTimeout = s.cfg.Timeout

	if err := client.Hello(s.cfg.HeloName); err != nil {
		client.Close()
		return nil, s.connectError(ctx, "HELO", err)
	}

	return client, nil
}

func (s *EmailSender) connectError(ctx context.Context, stage string, err error) *DeliveryError {
	if ctx.Err() != nil {
		return Transient(queue.ChannelEmail, stage+" interrupted", ctx.Err())
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return categorizeSMTPError(err, stage)
	}
	return Transient(queue.ChannelEmail, stage+" failed", err)
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeSMTPError maps 5xx replies to permanent errors, anything else to transient
func categorizeSMTPError(err error, stage string) *DeliveryError {
	msg := stage + " failed"

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code >= 500 && se.Code < 600 {
			return Permanent(queue.ChannelEmail, msg, err)
		}
		return Transient(queue.ChannelEmail, msg, err)
	}

	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 && strings.HasPrefix(m[1], "5") {
		return Permanent(queue.ChannelEmail, msg, err)
	}
	return Transient(queue.ChannelEmail, msg, err)
}

// buildMessage renders an RFC 5322 plain text message with CRLF line endings
func buildMessage(from, fromName, to string, item *queue.Item, now time.Time) []byte {
	var buf bytes.Buffer

	sender := (&mail.Address{Name: fromName, Address: from}).String()
	domain := from
	if i := strings.LastIndex(from, "@"); i >= 0 {
		domain = from[i+1:]
	}

	headers := [][2]string{
		{"From", sender},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("utf-8", item.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", item.ID, domain)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
		{"Content-Transfer-Encoding", "quoted-printable"},
		{"X-Herald-Item-Id", item.ID},
		{"X-Herald-Rule-Id", item.RuleID},
	}
	for _, h := range headers {
		buf.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	qp.Write([]byte(strings.ReplaceAll(strings.ReplaceAll(item.Content, "\r\n", "\n"), "\n", "\r\n")))
	qp.Close()

	return buf.Bytes()
}
