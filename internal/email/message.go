// Package email defines the outbound message built from a contact
// submission and renders it as an RFC 5322 message.
package email

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/contact-relay/internal/contact"
)

// Email is one notification to the site owner. From and To are bare
// addresses; the submitter is only reachable through Reply-To.
type Email struct {
	From        string
	To          string
	ReplyTo     string
	ReplyToName string
	Subject     string
	TextBody    string
	// MessageID is stored without angle brackets.
	MessageID string
	Date      time.Time
}

// FromContact builds the notification for msg. identity is the host part
// of the generated Message-ID.
func FromContact(msg *contact.Message, sender, recipient, identity string) *Email {
	return &Email{
		From:        sender,
		To:          recipient,
		ReplyTo:     msg.Email,
		ReplyToName: msg.FullName(),
		Subject:     msg.Subject,
		TextBody:    msg.Content,
		MessageID:   NewMessageID(identity),
		Date:        time.Now().UTC().Truncate(time.Second),
	}
}

// NewMessageID returns "<ulid>@<identity>". ULIDs sort by creation time,
// which keeps relay logs in submission order.
func NewMessageID(identity string) string {
	if identity == "" {
		identity = "localhost"
	}
	return ulid.Make().String() + "@" + strings.Trim(identity, "<>")
}
