package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Attachment references a file on disk. Filename is the name shown to the recipient.
type Attachment struct {
	Filename string
	Path     string
}

type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

// SendInfo is the delivery metadata reported back to API callers.
type SendInfo struct {
	MessageID string   `json:"messageId"`
	Envelope  Envelope `json:"envelope"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
	Response  string   `json:"response"`
}

// Mailer sends emails via SMTP.
type Mailer struct {
	cfg    *Config
	logger *slog.Logger
	sendFn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now    func() time.Time
}

func New(cfg *Config, logger *slog.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		logger: logger,
		sendFn: smtp.SendMail,
		now:    time.Now,
	}
}

// Configured reports whether an SMTP server and account are set.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.Username != ""
}

// Send composes msg and hands it to the SMTP server. When SMTP is not
// configured the message is logged instead (development).
func (m *Mailer) Send(ctx context.Context, msg Message) (SendInfo, error) {
	if err := ctx.Err(); err != nil {
		return SendInfo{}, err
	}

	id := m.messageID()
	raw, err := m.formatMessage(msg, id)
	if err != nil {
		return SendInfo{}, fmt.Errorf("mailer: build message: %w", err)
	}

	info := SendInfo{
		MessageID: id,
		Envelope:  Envelope{From: m.cfg.From, To: msg.To},
		Accepted:  msg.To,
		Rejected:  []string{},
	}

	if !m.Configured() {
		m.logger.Info("=== EMAIL WOULD BE SENT ===",
			"subject", msg.Subject,
			"recipients", len(msg.To),
			"attachments", len(msg.Attachments),
			"bytes", len(raw),
		)
		info.Response = "250 Message logged (SMTP not configured)"
		return info, nil
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := m.sendFn(addr, auth, m.cfg.From, msg.To, raw); err != nil {
		return SendInfo{}, fmt.Errorf("mailer: send: %w", err)
	}

	info.Response = "250 Message accepted " + id
	return info, nil
}

func (m *Mailer) messageID() string {
	domain := "localhost"
	if at := strings.LastIndex(m.cfg.From, "@"); at >= 0 && at < len(m.cfg.From)-1 {
		domain = m.cfg.From[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// formatMessage renders msg as an RFC 5322 message. Attachments are read
// from disk and base64 encoded into a multipart/mixed body.
func (m *Mailer) formatMessage(msg Message, id string) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", m.cfg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerSafe(msg.Subject))))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", m.now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", id))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%s\r\n", writer.Boundary()))
	buf.WriteString("\r\n")

	// Text part
	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}

	// Attachment parts
	for _, att := range msg.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", att.Filename, err)
		}

		attHeader := textproto.MIMEHeader{}
		attHeader.Set("Content-Type", contentType(att.Filename))
		attHeader.Set("Content-Transfer-Encoding", "base64")
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})
		if disposition == "" {
			disposition = "attachment"
		}
		attHeader.Set("Content-Disposition", disposition)

		attPart, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, err
		}

		encoded := base64.StdEncoding.EncodeToString(data)
		// Write in 76-character lines per RFC 2045
		for i := 0; i < len(encoded); i += 76 {
			end := min(i+76, len(encoded))
			if _, err := attPart.Write([]byte(encoded[i:end] + "\r\n")); err != nil {
				return nil, err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// headerSafe strips line breaks so user input cannot inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
