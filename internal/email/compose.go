package email

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// Compose renders e as a single-part text/plain message. The body is
// quoted-printable so arbitrary form content survives 7-bit relays.
func Compose(e *Email) ([]byte, error) {
	if e.From == "" || e.To == "" {
		return nil, fmt.Errorf("sender and recipient are required")
	}

	var h mail.Header
	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: e.From}})
	h.SetAddressList("To", []*mail.Address{{Address: e.To}})
	if e.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Name: e.ReplyToName, Address: e.ReplyTo}})
	}
	h.SetSubject(e.Subject)
	if e.MessageID != "" {
		h.SetMessageID(e.MessageID)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, e.TextBody); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), nil
}
