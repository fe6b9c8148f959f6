package wire

import (
	"fmt"
	"io"
)

// CollectBody reads from r until the body seeded with trailing holds at
// least n bytes, then returns exactly the first n. Bytes beyond n are
// discarded.
func CollectBody(r io.Reader, trailing []byte, n int, cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()

	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if n > cfg.MaxBodySize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, cfg.MaxBodySize)
	}

	body := make([]byte, 0, n)
	body = append(body, trailing...)

	chunk := make([]byte, cfg.ChunkSize)
	for empty := 0; len(body) < n; {
		read, err := r.Read(chunk)
		body = append(body, chunk[:read]...)
		if len(body) >= n {
			break
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTruncatedBody, len(body), n)
			}
			return nil, fmt.Errorf("%w: %w", ErrTruncatedBody, err)
		}
		if read > 0 {
			empty = 0
			continue
		}
		if empty++; empty >= maxEmptyReads {
			return nil, fmt.Errorf("%w: %w", ErrTruncatedBody, io.ErrNoProgress)
		}
	}

	return body[:n], nil
}
