package smtp

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reply codes the session checks for.
const (
	CodeServiceReady   = 220
	CodeServiceClosing = 221
	CodeAuthOK         = 235
	CodeOK             = 250
	CodeAuthContinue   = 334
	CodeStartMailInput = 354
)

// maxReplyLineLen bounds a single reply line, CRLF included.
const maxReplyLineLen = 4096

var errMalformedReply = errors.New("malformed reply")

// Reply is one complete relay response. Text joins the lines of a
// multi-line reply with "\n".
type Reply struct {
	Code int
	Text string
}

// Lines splits Text back into the individual reply lines.
func (r Reply) Lines() []string {
	return strings.Split(r.Text, "\n")
}

// readReply reads a single- or multi-line reply ("250-..." continuations
// followed by a "250 ..." final line).
func readReply(r *bufio.Reader) (Reply, error) {
	var lines []string
	for {
		line, err := readLine(r)
		if err != nil {
			return Reply{}, err
		}

		if len(line) < 3 {
			return Reply{}, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return Reply{}, fmt.Errorf("%w: bad code %q", errMalformedReply, line[:3])
		}

		if len(line) == 3 {
			lines = append(lines, "")
			return Reply{Code: code, Text: strings.Join(lines, "\n")}, nil
		}

		switch line[3] {
		case '-':
			lines = append(lines, line[4:])
		case ' ':
			lines = append(lines, line[4:])
			return Reply{Code: code, Text: strings.Join(lines, "\n")}, nil
		default:
			return Reply{}, fmt.Errorf("%w: bad separator in %q", errMalformedReply, line)
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(frag)
		if b.Len() > maxReplyLineLen {
			return "", fmt.Errorf("%w: line exceeds %d bytes", errMalformedReply, maxReplyLineLen)
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}
