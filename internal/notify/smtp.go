package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"signdesk/internal/config"
)

const dialTimeout = 10 * time.Second

type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	useTLS   bool
	startTLS bool
}

func NewSMTPSender(cfg config.Config) SMTPSender {
	return SMTPSender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.MailFrom,
		useTLS:   cfg.SMTPTLS,
		startTLS: cfg.SMTPStartTLS,
	}
}

func (s SMTPSender) SendInvitation(ctx context.Context, inv Invitation) error {
	raw, err := compose(s.from, inv.To, inv.Name, "Signature requested: "+inv.RequestTitle, invitationBody(inv))
	if err != nil {
		return err
	}
	return s.send(ctx, inv.To, raw)
}

func (s SMTPSender) SendCompletion(ctx context.Context, c Completion) error {
	raw, err := compose(s.from, c.To, "", "Completed: "+c.RequestTitle, completionBody(c))
	if err != nil {
		return err
	}
	return s.send(ctx, c.To, raw)
}

func invitationBody(inv Invitation) string {
	var b strings.Builder
	if inv.Name != "" {
		fmt.Fprintf(&b, "Hello %s,\r\n\r\n", inv.Name)
	}
	fmt.Fprintf(&b, "You have been asked to sign %q.\r\n", inv.RequestTitle)
	if inv.Message != "" {
		fmt.Fprintf(&b, "\r\n%s\r\n", inv.Message)
	}
	fmt.Fprintf(&b, "\r\nOpen this link to review and sign:\r\n%s\r\n", inv.SigningURL)
	if inv.ExpiresAt != nil {
		fmt.Fprintf(&b, "\r\nThe link expires on %s.\r\n", inv.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func completionBody(c Completion) string {
	return fmt.Sprintf("Every recipient has signed %q.\r\nRequest: %s\r\nCompleted: %s\r\n",
		c.RequestTitle, c.RequestID, c.CompletedAt.UTC().Format(time.RFC3339))
}

func compose(from, to, toName, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now().UTC())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Name: toName, Address: to}})
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	tlsConfig := &tls.Config{ServerName: s.host}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.useTLS {
		conn = tls.Client(conn, tlsConfig)
	}
	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if s.startTLS && !s.useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				_ = client.Close()
				return nil, err
			}
		}
	}
	return client, nil
}

func (s SMTPSender) send(ctx context.Context, to string, raw []byte) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("AUTH"); ok && s.username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return err
		}
	}
	if err := client.Mail(s.from); err != nil {
		return err
	}
	if err := client.Rcpt(strings.TrimSpace(to)); err != nil {
		return err
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// Probe checks that the SMTP server accepts a connection.
func (s SMTPSender) Probe(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Quit()
}
