// Package wire frames HTTP-shaped requests read from a raw byte stream:
// a bounded header up to the CRLFCRLF delimiter, followed by a body whose
// length is fixed by the Content-Length field.
package wire

import "errors"

// Default limits, matching the listener's defaults.
const (
	DefaultChunkSize     = 512
	DefaultMaxHeaderSize = 4096
	DefaultMaxBodySize   = 64 * 1024
)

// Framing errors.
var (
	ErrHeaderTooLarge   = errors.New("wire: header too large")
	ErrTruncatedRequest = errors.New("wire: request ended before header delimiter")
)

// Parse errors.
var (
	ErrEncoding           = errors.New("wire: header is not valid UTF-8")
	ErrMalformedStartLine = errors.New("wire: malformed start line")
	ErrMalformedField     = errors.New("wire: malformed header field")
	ErrMissingLength      = errors.New("wire: missing Content-Length")
	ErrInvalidLength      = errors.New("wire: invalid Content-Length")
	ErrTruncatedBody      = errors.New("wire: body shorter than Content-Length")
	ErrBodyTooLarge       = errors.New("wire: body exceeds maximum size")
)

var delimiter = []byte("\r\n\r\n")

// maxEmptyReads bounds consecutive (0, nil) reads before a source is
// treated as stuck, mirroring bufio.
const maxEmptyReads = 100

// Config bounds a single request. Zero fields fall back to the defaults.
type Config struct {
	// ChunkSize is the size of each read issued against the source.
	ChunkSize int

	// MaxHeaderSize caps the accumulated header bytes, delimiter included.
	MaxHeaderSize int

	// MaxBodySize caps the accepted Content-Length.
	MaxBodySize int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	return c
}

// IsFramingError reports whether err came from framing or parsing a request,
// as opposed to a failure further down the pipeline.
func IsFramingError(err error) bool {
	for _, target := range []error{
		ErrHeaderTooLarge, ErrTruncatedRequest,
		ErrEncoding, ErrMalformedStartLine, ErrMalformedField,
		ErrMissingLength, ErrInvalidLength, ErrTruncatedBody, ErrBodyTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
