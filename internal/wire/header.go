package wire

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Header is the parsed request head.
type Header struct {
	// StartLine holds the space-separated tokens of the first line.
	StartLine []string

	// Fields maps trimmed field names to trimmed values. Names are
	// case-sensitive; a repeated name keeps its last value.
	Fields map[string]string
}

// Method returns the first start-line token.
func (h *Header) Method() string { return h.StartLine[0] }

// Target returns the second start-line token.
func (h *Header) Target() string { return h.StartLine[1] }

// Version returns the third start-line token.
func (h *Header) Version() string { return h.StartLine[2] }

// ContentLength returns the declared body length.
func (h *Header) ContentLength() (int, error) {
	raw, ok := h.Fields["Content-Length"]
	if !ok {
		return 0, ErrMissingLength
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, raw)
	}
	return n, nil
}

// ParseHeader parses header bytes as returned by ReadFrame. Invalid UTF-8 is
// rejected rather than repaired.
func ParseHeader(b []byte) (*Header, error) {
	if !utf8.Valid(b) {
		return nil, ErrEncoding
	}

	lines := strings.Split(string(b), "\r\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedStartLine)
	}

	start := strings.Split(lines[0], " ")
	if len(start) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStartLine, lines[0])
	}

	h := &Header{
		StartLine: start,
		Fields:    make(map[string]string, len(lines)-1),
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedField, line)
		}
		h.Fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return h, nil
}
