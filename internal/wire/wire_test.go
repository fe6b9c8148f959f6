package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader returns its chunks one Read at a time and then io.EOF.
type chunkReader struct {
	chunks [][]byte
	reads  int
	err    error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	c.reads++
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func newChunkReader(parts ...string) *chunkReader {
	r := &chunkReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, []byte(p))
	}
	return r
}

// splitEvery cuts s into pieces of size n.
func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

const sampleHead = "POST /contact HTTP/1.1\r\nHost: x\r\nContent-Length: 5"

func TestReadFrame_DelimiterAcrossChunkBoundaries(t *testing.T) {
	t.Parallel()

	raw := sampleHead + "\r\n\r\n" + "hello"

	for size := 1; size <= len(raw); size++ {
		r := newChunkReader(splitEvery(raw, size)...)

		header, trailing, err := ReadFrame(r, Config{ChunkSize: 512, MaxHeaderSize: 4096})
		if err != nil {
			t.Fatalf("chunk size %d: unexpected error: %v", size, err)
		}
		if string(header) != sampleHead {
			t.Fatalf("chunk size %d: header: got %q, want %q", size, header, sampleHead)
		}
		if !strings.HasPrefix("hello", string(trailing)) {
			t.Fatalf("chunk size %d: trailing %q is not a prefix of the body", size, trailing)
		}
	}
}

func TestReadFrame_SplitCRLFPairs(t *testing.T) {
	t.Parallel()

	r := newChunkReader("GET / HTTP/1.1\r\n", "\r\nrest")
	header, trailing, err := ReadFrame(r, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(header) != "GET / HTTP/1.1" {
		t.Errorf("header: got %q", header)
	}
	if string(trailing) != "rest" {
		t.Errorf("trailing: got %q, want %q", trailing, "rest")
	}
}

func TestReadFrame_SmallChunkSize(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader([]byte(sampleHead + "\r\n\r\nhello"))
	header, trailing, err := ReadFrame(r, Config{ChunkSize: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(header) != sampleHead {
		t.Errorf("header: got %q", header)
	}
	if !strings.HasPrefix("hello", string(trailing)) {
		t.Errorf("trailing %q is not a prefix of the body", trailing)
	}
}

func TestReadFrame_HeaderTooLarge(t *testing.T) {
	t.Parallel()

	r := newChunkReader(strings.Repeat("a", 10), strings.Repeat("b", 10), strings.Repeat("c", 10), "\r\n\r\n")

	_, _, err := ReadFrame(r, Config{ChunkSize: 10, MaxHeaderSize: 16})
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
	if r.reads != 2 {
		t.Errorf("reads: got %d, want 2 (no reads after the limit)", r.reads)
	}
}

func TestReadFrame_DelimiterBeyondLimit(t *testing.T) {
	t.Parallel()

	r := newChunkReader("GET / HTTP/1.1\r\n\r\n")
	_, _, err := ReadFrame(r, Config{MaxHeaderSize: 10})
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}

func TestReadFrame_DelimiterExactlyAtLimit(t *testing.T) {
	t.Parallel()

	head := "GET / HTTP/1.1"
	r := newChunkReader(head + "\r\n\r\n")
	header, _, err := ReadFrame(r, Config{MaxHeaderSize: len(head) + 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(header) != head {
		t.Errorf("header: got %q", header)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    io.Reader
	}{
		{name: "empty", r: newChunkReader()},
		{name: "eof mid header", r: newChunkReader("GET / HTTP/1.1\r\nHost: x\r\n")},
		{name: "read error", r: &chunkReader{chunks: [][]byte{[]byte("GET /")}, err: errors.New("connection reset")}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := ReadFrame(tt.r, Config{})
			if !errors.Is(err, ErrTruncatedRequest) {
				t.Errorf("expected ErrTruncatedRequest, got %v", err)
			}
		})
	}
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte("POST /contact HTTP/1.1\r\nHost:  example.com \r\nContent-Length: 41\r\nX-Note: a: b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.Method() != "POST" || h.Target() != "/contact" || h.Version() != "HTTP/1.1" {
		t.Errorf("start line: got %v", h.StartLine)
	}
	if got := h.Fields["Host"]; got != "example.com" {
		t.Errorf("Host: got %q, want %q", got, "example.com")
	}
	if got := h.Fields["X-Note"]; got != "a: b" {
		t.Errorf("X-Note: got %q, want %q", got, "a: b")
	}
	n, err := h.ContentLength()
	if err != nil {
		t.Fatalf("ContentLength: %v", err)
	}
	if n != 41 {
		t.Errorf("ContentLength: got %d, want 41", n)
	}
}

func TestParseHeader_TrailingTerminator(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.Fields) != 1 {
		t.Errorf("fields: got %v", h.Fields)
	}
}

func TestParseHeader_DuplicateFieldLastWins(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte("GET / HTTP/1.1\r\nX: 1\r\nX: 2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.Fields["X"]; got != "2" {
		t.Errorf("X: got %q, want %q", got, "2")
	}
}

func TestParseHeader_CaseSensitiveKeys(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte("POST / HTTP/1.1\r\ncontent-length: 3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.ContentLength(); !errors.Is(err, ErrMissingLength) {
		t.Errorf("expected ErrMissingLength for lower-case field, got %v", err)
	}
}

func TestParseHeader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{name: "invalid utf8", input: []byte("GET / HTTP/1.1\r\nX: \xff\xfe"), want: ErrEncoding},
		{name: "empty", input: []byte(""), want: ErrMalformedStartLine},
		{name: "two tokens", input: []byte("GET /"), want: ErrMalformedStartLine},
		{name: "field without separator", input: []byte("GET / HTTP/1.1\r\nHost"), want: ErrMalformedField},
		{name: "colon without space", input: []byte("GET / HTTP/1.1\r\nHost:x"), want: ErrMalformedField},
		{name: "blank line inside", input: []byte("GET / HTTP/1.1\r\n\r\nHost: x"), want: ErrMalformedField},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseHeader(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestContentLength_Invalid(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"abc", "-1", "1.5", ""} {
		h := &Header{StartLine: []string{"POST", "/", "HTTP/1.1"}, Fields: map[string]string{"Content-Length": v}}
		if _, err := h.ContentLength(); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("Content-Length %q: expected ErrInvalidLength, got %v", v, err)
		}
	}
}

func TestCollectBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		trailing string
		chunks   []string
		n        int
		want     string
	}{
		{name: "all in trailing", trailing: "hello", n: 5, want: "hello"},
		{name: "excess discarded", trailing: "hello world", n: 5, want: "hello"},
		{name: "needs more reads", trailing: "he", chunks: []string{"l", "lo"}, n: 5, want: "hello"},
		{name: "excess in last read", chunks: []string{"hel", "lo!!"}, n: 5, want: "hello"},
		{name: "zero length", trailing: "", n: 0, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newChunkReader(tt.chunks...)
			body, err := CollectBody(r, []byte(tt.trailing), tt.n, Config{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(body) != tt.want {
				t.Errorf("body: got %q, want %q", body, tt.want)
			}
		})
	}
}

func TestCollectBody_NoReadWhenSatisfied(t *testing.T) {
	t.Parallel()

	r := newChunkReader("never")
	if _, err := CollectBody(r, []byte("abc"), 3, Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.reads != 0 {
		t.Errorf("reads: got %d, want 0", r.reads)
	}
}

func TestCollectBody_Truncated(t *testing.T) {
	t.Parallel()

	r := newChunkReader("lo")
	_, err := CollectBody(r, []byte("hel"), 10, Config{})
	if !errors.Is(err, ErrTruncatedBody) {
		t.Fatalf("expected ErrTruncatedBody, got %v", err)
	}
}

func TestCollectBody_TooLarge(t *testing.T) {
	t.Parallel()

	r := newChunkReader("x")
	_, err := CollectBody(r, nil, 100, Config{MaxBodySize: 10})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if r.reads != 0 {
		t.Errorf("reads: got %d, want 0", r.reads)
	}
}

// stuckReader never makes progress.
type stuckReader struct {
	reads int
}

func (s *stuckReader) Read([]byte) (int, error) {
	s.reads++
	return 0, nil
}

// finalReader hands over all of its data together with err in one Read.
type finalReader struct {
	data []byte
	err  error
	done bool
}

func (f *finalReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, io.EOF
	}
	f.done = true
	return copy(p, f.data), f.err
}

func TestCollectBody_NoProgress(t *testing.T) {
	t.Parallel()

	r := &stuckReader{}
	_, err := CollectBody(r, []byte("ab"), 10, Config{})
	if !errors.Is(err, ErrTruncatedBody) || !errors.Is(err, io.ErrNoProgress) {
		t.Fatalf("expected ErrTruncatedBody wrapping io.ErrNoProgress, got %v", err)
	}
	if r.reads != maxEmptyReads {
		t.Errorf("reads: got %d, want %d", r.reads, maxEmptyReads)
	}
}

func TestReadFrame_NoProgress(t *testing.T) {
	t.Parallel()

	r := &stuckReader{}
	_, _, err := ReadFrame(r, Config{})
	if !errors.Is(err, ErrTruncatedRequest) || !errors.Is(err, io.ErrNoProgress) {
		t.Fatalf("expected ErrTruncatedRequest wrapping io.ErrNoProgress, got %v", err)
	}
	if r.reads != maxEmptyReads {
		t.Errorf("reads: got %d, want %d", r.reads, maxEmptyReads)
	}
}

func TestCollectBody_ErrorWithData(t *testing.T) {
	t.Parallel()

	errReset := errors.New("connection reset")

	tests := []struct {
		name    string
		reader  *finalReader
		want    string
		wantErr error
	}{
		{
			name:   "eof with the last bytes",
			reader: &finalReader{data: []byte("llo"), err: io.EOF},
			want:   "hello",
		},
		{
			name:    "eof while still short",
			reader:  &finalReader{data: []byte("l"), err: io.EOF},
			wantErr: ErrTruncatedBody,
		},
		{
			name:    "error while still short",
			reader:  &finalReader{data: []byte("l"), err: errReset},
			wantErr: errReset,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			body, err := CollectBody(tt.reader, []byte("he"), 5, Config{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(body) != tt.want {
				t.Errorf("body: got %q, want %q", body, tt.want)
			}
		})
	}
}

func TestMissingLengthDoesNotBlock(t *testing.T) {
	t.Parallel()

	// A reader that would block forever if read from.
	pr, pw := io.Pipe()
	defer pw.Close()

	header, trailing, err := ReadFrame(io.MultiReader(strings.NewReader("POST / HTTP/1.1\r\nHost: x\r\n\r\n"), pr), Config{ChunkSize: 64})
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	h, err := ParseHeader(header)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if _, err := h.ContentLength(); !errors.Is(err, ErrMissingLength) {
		t.Fatalf("expected ErrMissingLength, got %v", err)
	}
	if len(trailing) != 0 {
		t.Errorf("trailing: got %q", trailing)
	}
}

func TestIsFramingError(t *testing.T) {
	t.Parallel()

	if !IsFramingError(ErrTruncatedBody) {
		t.Error("ErrTruncatedBody should be a framing error")
	}
	if IsFramingError(errors.New("smtp failure")) {
		t.Error("unrelated error should not be a framing error")
	}
}
