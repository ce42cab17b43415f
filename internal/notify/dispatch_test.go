package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/medrelay/internal/mailer"
	"github.com/medrelay/internal/sms"
	"github.com/medrelay/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMail struct {
	err   error
	calls []mailer.Message
}

func (f *fakeMail) Send(ctx context.Context, msg mailer.Message) (mailer.SendInfo, error) {
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return mailer.SendInfo{}, f.err
	}
	return mailer.SendInfo{MessageID: "<1@x.com>", Accepted: msg.To, Response: "250 OK"}, nil
}

type fakeSMS struct {
	mu    sync.Mutex
	fail  map[string]error
	delay map[string]time.Duration
	calls []string
}

func (f *fakeSMS) Send(ctx context.Context, to, from, body string) (sms.Message, error) {
	if d := f.delay[to]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.calls = append(f.calls, to)
	f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return sms.Message{}, err
	}
	return sms.Message{SID: "SM-" + to, To: to, From: from, Body: body, Status: "queued"}, nil
}

type recordingUnstager struct {
	removed []staging.StagedFile
	err     error
}

func (r *recordingUnstager) Unstage(f staging.StagedFile) error {
	r.removed = append(r.removed, f)
	if r.err != nil {
		return r.err
	}
	return os.Remove(f.StoredPath)
}

func stagedFile(t *testing.T) staging.StagedFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1700000000000-xray.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))
	return staging.StagedFile{OriginalName: "xray.png", StoredPath: path, Size: 3, CreatedAt: time.Now()}
}

func TestParseRecipients(t *testing.T) {
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, ParseRecipients("a@x.com,b@x.com"))
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, ParseRecipients(" a@x.com , ,b@x.com,"))
	assert.Empty(t, ParseRecipients(""))
	assert.Empty(t, ParseRecipients(" , ,"))
}

func TestSendEmail_NoAttachment(t *testing.T) {
	mail := &fakeMail{}
	files := &recordingUnstager{}
	d := NewDispatcher(mail, &fakeSMS{}, files, "+15550000000", testLogger())

	info, err := d.SendEmail(context.Background(), EmailRequest{
		Recipients: ParseRecipients("a@x.com,b@x.com"),
		Subject:    "S",
		Body:       "B",
	})
	require.NoError(t, err)
	assert.Equal(t, "<1@x.com>", info.MessageID)

	require.Len(t, mail.calls, 1)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, mail.calls[0].To)
	assert.Equal(t, "S", mail.calls[0].Subject)
	assert.Equal(t, "B", mail.calls[0].Body)
	assert.Empty(t, mail.calls[0].Attachments)
	assert.Empty(t, files.removed, "no file deletion should be attempted")
}

func TestSendEmail_AttachmentRemovedAfterSuccess(t *testing.T) {
	mail := &fakeMail{}
	files := &recordingUnstager{}
	d := NewDispatcher(mail, &fakeSMS{}, files, "", testLogger())
	f := stagedFile(t)

	_, err := d.SendEmail(context.Background(), EmailRequest{
		Recipients: []string{"a@x.com"},
		Subject:    "Imaging",
		Body:       "Attached.",
		Attachment: &f,
	})
	require.NoError(t, err)

	require.Len(t, mail.calls[0].Attachments, 1)
	assert.Equal(t, "xray.png", mail.calls[0].Attachments[0].Filename)
	assert.Equal(t, f.StoredPath, mail.calls[0].Attachments[0].Path)

	require.Len(t, files.removed, 1)
	_, statErr := os.Stat(f.StoredPath)
	assert.True(t, os.IsNotExist(statErr), "staged file should be gone after a successful send")
}

func TestSendEmail_AttachmentKeptAfterFailure(t *testing.T) {
	mail := &fakeMail{err: errors.New("421 service not available")}
	files := &recordingUnstager{}
	d := NewDispatcher(mail, &fakeSMS{}, files, "", testLogger())
	f := stagedFile(t)

	_, err := d.SendEmail(context.Background(), EmailRequest{
		Recipients: []string{"a@x.com"},
		Subject:    "Imaging",
		Body:       "Attached.",
		Attachment: &f,
	})
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "email", te.Channel)
	assert.Contains(t, err.Error(), "421 service not available")

	assert.Empty(t, files.removed)
	_, statErr := os.Stat(f.StoredPath)
	assert.NoError(t, statErr, "staged file is left in place when the send fails")
}

func TestSendEmail_UnstageFailureIsNotEscalated(t *testing.T) {
	files := &recordingUnstager{err: errors.New("permission denied")}
	d := NewDispatcher(&fakeMail{}, &fakeSMS{}, files, "", testLogger())
	f := stagedFile(t)

	_, err := d.SendEmail(context.Background(), EmailRequest{
		Recipients: []string{"a@x.com"},
		Subject:    "S",
		Body:       "B",
		Attachment: &f,
	})
	assert.NoError(t, err)
	assert.Len(t, files.removed, 1)
}

func TestSendEmail_InvalidRequests(t *testing.T) {
	cases := []struct {
		name string
		req  EmailRequest
	}{
		{"no recipients", EmailRequest{Recipients: ParseRecipients(" , "), Subject: "S", Body: "B"}},
		{"no subject", EmailRequest{Recipients: []string{"a@x.com"}, Body: "B"}},
		{"no body", EmailRequest{Recipients: []string{"a@x.com"}, Subject: "S"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mail := &fakeMail{}
			d := NewDispatcher(mail, &fakeSMS{}, &recordingUnstager{}, "", testLogger())

			_, err := d.SendEmail(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, mail.calls)
		})
	}
}

func TestSendSMS_AllSucceedInInputOrder(t *testing.T) {
	fake := &fakeSMS{
		// the first recipient finishes last
		delay: map[string]time.Duration{"+15551110001": 30 * time.Millisecond},
	}
	d := NewDispatcher(&fakeMail{}, fake, &recordingUnstager{}, "+15550000000", testLogger())

	results, err := d.SendSMS(context.Background(), SMSRequest{
		Recipients: []string{"+15551110001", "+15561110002"},
		Message:    "Reminder",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "+15551110001", results[0].To)
	assert.Equal(t, "+15561110002", results[1].To)
	assert.Equal(t, "+15550000000", results[0].From)
	assert.Equal(t, "Reminder", results[1].Body)
	assert.Len(t, fake.calls, 2)
}

func TestSendSMS_OneFailureFailsAll(t *testing.T) {
	fake := &fakeSMS{
		fail: map[string]error{"+15561110002": errors.New("invalid 'To' phone number")},
	}
	d := NewDispatcher(&fakeMail{}, fake, &recordingUnstager{}, "+15550000000", testLogger())

	results, err := d.SendSMS(context.Background(), SMSRequest{
		Recipients: []string{"+15551110001", "+15561110002"},
		Message:    "Reminder",
	})
	require.Error(t, err)
	assert.Nil(t, results, "no partial results on failure")

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "sms", te.Channel)
	assert.Contains(t, err.Error(), "invalid 'To' phone number")

	// both sends were still issued
	assert.ElementsMatch(t, []string{"+15551110001", "+15561110002"}, fake.calls)
}

func TestSendSMS_InvalidRequests(t *testing.T) {
	fake := &fakeSMS{}
	d := NewDispatcher(&fakeMail{}, fake, &recordingUnstager{}, "+15550000000", testLogger())

	_, err := d.SendSMS(context.Background(), SMSRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.SendSMS(context.Background(), SMSRequest{Recipients: []string{"+15551110001"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, fake.calls, "no provider calls for invalid requests")
}
