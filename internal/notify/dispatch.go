// Package notify composes and sends patient notifications over email and SMS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/medrelay/internal/mailer"
	"github.com/medrelay/internal/metrics"
	"github.com/medrelay/internal/sms"
	"github.com/medrelay/internal/staging"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRequest marks requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// TransportError wraps a failure reported by an email or SMS provider.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type EmailTransport interface {
	Send(ctx context.Context, msg mailer.Message) (mailer.SendInfo, error)
}

type SMSTransport interface {
	Send(ctx context.Context, to, from, body string) (sms.Message, error)
}

type Unstager interface {
	Unstage(f staging.StagedFile) error
}

type EmailRequest struct {
	Recipients []string
	Subject    string
	Body       string
	Attachment *staging.StagedFile
}

type SMSRequest struct {
	Recipients []string
	Message    string
}

// SMSOutcome is the provider's result for one recipient.
type SMSOutcome = sms.Message

type Dispatcher struct {
	mail    EmailTransport
	sms     SMSTransport
	files   Unstager
	smsFrom string
	logger  *slog.Logger
}

func NewDispatcher(mail EmailTransport, smsClient SMSTransport, files Unstager, smsFrom string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mail:    mail,
		sms:     smsClient,
		files:   files,
		smsFrom: smsFrom,
		logger:  logger,
	}
}

// ParseRecipients splits a comma-separated address list, dropping blanks.
func ParseRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SendEmail sends one message to every recipient. A staged attachment is
// removed after the provider accepts the message; on failure it is left in
// place.
func (d *Dispatcher) SendEmail(ctx context.Context, req EmailRequest) (mailer.SendInfo, error) {
	if err := req.Validate(); err != nil {
		metrics.IncEmail("invalid")
		return mailer.SendInfo{}, err
	}

	msg := mailer.Message{
		To:      req.Recipients,
		Subject: req.Subject,
		Body:    req.Body,
	}
	if req.Attachment != nil {
		msg.Attachments = []mailer.Attachment{{
			Filename: req.Attachment.OriginalName,
			Path:     req.Attachment.StoredPath,
		}}
	}

	info, err := d.mail.Send(ctx, msg)
	if err != nil {
		metrics.IncEmail("failure")
		d.logger.Error("error sending email", "error", err, "recipients", len(req.Recipients))
		return mailer.SendInfo{}, &TransportError{Channel: "email", Err: err}
	}
	metrics.IncEmail("success")
	d.logger.Info("email sent successfully", "message_id", info.MessageID, "recipients", len(req.Recipients))

	if req.Attachment != nil {
		// best effort: the email already went out
		if err := d.files.Unstage(*req.Attachment); err != nil {
			d.logger.Error("error deleting file", "path", req.Attachment.StoredPath, "error", err)
		} else {
			d.logger.Info("file deleted successfully", "path", req.Attachment.StoredPath)
		}
	}
	return info, nil
}

// SendSMS sends the same message to every recipient concurrently. Results are
// returned in recipient order. If any send fails the whole call fails with the
// first error and no results are returned; messages already accepted by the
// provider are not recalled.
func (d *Dispatcher) SendSMS(ctx context.Context, req SMSRequest) ([]SMSOutcome, error) {
	if len(req.Recipients) == 0 {
		metrics.IncSMS("invalid")
		return nil, fmt.Errorf("%w: recipientPhones must contain at least one number", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		metrics.IncSMS("invalid")
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	results := make([]SMSOutcome, len(req.Recipients))

	// no shared context: one failed recipient must not cancel the others
	var g errgroup.Group
	for i, to := range req.Recipients {
		i, to := i, to
		g.Go(func() error {
			msg, err := d.sms.Send(ctx, to, d.smsFrom, req.Message)
			if err != nil {
				metrics.IncSMS("failure")
				return err
			}
			metrics.IncSMS("success")
			results[i] = msg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Error("error sending sms", "error", err, "recipients", len(req.Recipients))
		return nil, &TransportError{Channel: "sms", Err: err}
	}

	d.logger.Info("sms sent successfully", "recipients", len(req.Recipients))
	return results, nil
}

// Validate checks that recipients, subject and body are present.
func (req EmailRequest) Validate() error {
	var missing []string
	if len(req.Recipients) == 0 {
		missing = append(missing, "recipientEmails")
	}
	if strings.TrimSpace(req.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(req.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}
