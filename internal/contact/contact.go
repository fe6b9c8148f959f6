// Package contact decodes contact-form bodies into messages.
package contact

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Form keys. The form names the given name "surname".
const (
	KeyEmail     = "email"
	KeyFirstName = "surname"
	KeyLastName  = "last_name"
	KeySubject   = "subject"
	KeyContent   = "content"
)

// RequiredKeys lists every key Decode insists on, in encoding order.
var RequiredKeys = []string{KeyEmail, KeyFirstName, KeyLastName, KeySubject, KeyContent}

// headerKeys end up in mail header fields and must be single-line.
var headerKeys = []string{KeyEmail, KeyFirstName, KeyLastName, KeySubject}

var (
	ErrEncoding       = errors.New("contact: body is not valid UTF-8")
	ErrMalformedField = errors.New("contact: malformed form field")
	ErrMissingField   = errors.New("contact: missing form field")
)

// MissingFieldError names the required key that was absent.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("contact: missing form field %q", e.Name)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// Message is a validated contact-form submission. Values are opaque text;
// Email is not checked for address syntax.
type Message struct {
	Email     string
	FirstName string
	LastName  string
	Subject   string
	Content   string
}

// Decode parses a body of '&'-separated key=value pairs. Each pair is split
// at its first '='; keys and values are trimmed. A repeated key keeps its
// last value. No percent-decoding is performed. Only content may span
// lines; control characters in any other value are ErrMalformedField.
func Decode(body []byte) (*Message, error) {
	if !utf8.Valid(body) {
		return nil, ErrEncoding
	}

	fields := make(map[string]string)
	for _, pair := range strings.Split(string(body), "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedField, pair)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	for _, key := range RequiredKeys {
		if _, ok := fields[key]; !ok {
			return nil, &MissingFieldError{Name: key}
		}
	}

	for _, key := range headerKeys {
		if strings.ContainsFunc(fields[key], isControl) {
			return nil, fmt.Errorf("%w: control character in %q", ErrMalformedField, key)
		}
	}

	return &Message{
		Email:     fields[KeyEmail],
		FirstName: fields[KeyFirstName],
		LastName:  fields[KeyLastName],
		Subject:   fields[KeySubject],
		Content:   fields[KeyContent],
	}, nil
}

func isControl(r rune) bool {
	return r != '\t' && unicode.IsControl(r)
}

// Encode renders m in the form Decode accepts. Values containing '&' or '='
// do not survive a round trip.
func (m *Message) Encode() []byte {
	values := map[string]string{
		KeyEmail:     m.Email,
		KeyFirstName: m.FirstName,
		KeyLastName:  m.LastName,
		KeySubject:   m.Subject,
		KeyContent:   m.Content,
	}

	var b strings.Builder
	for i, key := range RequiredKeys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(values[key])
	}
	return []byte(b.String())
}

// FullName joins the first and last name.
func (m *Message) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}
