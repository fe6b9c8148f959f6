package wire

import (
	"bytes"
	"fmt"
	"io"
)

// ReadFrame reads from r in cfg.ChunkSize pieces until the header delimiter
// appears in the accumulated buffer. It returns the header bytes (without the
// delimiter) and whatever followed the delimiter in the last read.
//
// The whole buffer is rescanned after every chunk so a delimiter split
// across two reads is still found. Once more than cfg.MaxHeaderSize bytes
// have accumulated without a delimiter, ReadFrame fails with
// ErrHeaderTooLarge and issues no further reads.
func ReadFrame(r io.Reader, cfg Config) (header, trailing []byte, err error) {
	cfg = cfg.withDefaults()

	chunk := make([]byte, cfg.ChunkSize)
	buf := make([]byte, 0, cfg.ChunkSize)

	for empty := 0; ; {
		n, readErr := r.Read(chunk)
		if n > 0 {
			empty = 0
			buf = append(buf, chunk[:n]...)

			if p := bytes.Index(buf, delimiter); p >= 0 {
				if p+len(delimiter) > cfg.MaxHeaderSize {
					return nil, nil, fmt.Errorf("%w: delimiter at offset %d, limit %d", ErrHeaderTooLarge, p, cfg.MaxHeaderSize)
				}
				return buf[:p], buf[p+len(delimiter):], nil
			}

			if len(buf) > cfg.MaxHeaderSize {
				return nil, nil, fmt.Errorf("%w: %d bytes without delimiter, limit %d", ErrHeaderTooLarge, len(buf), cfg.MaxHeaderSize)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil, nil, fmt.Errorf("%w: eof after %d bytes", ErrTruncatedRequest, len(buf))
			}
			return nil, nil, fmt.Errorf("%w: %w", ErrTruncatedRequest, readErr)
		}

		if n == 0 {
			if empty++; empty >= maxEmptyReads {
				return nil, nil, fmt.Errorf("%w: %w", ErrTruncatedRequest, io.ErrNoProgress)
			}
		}
	}
}
