package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/contact-relay/internal/contact"
	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/outbox"
	"github.com/shineum/contact-relay/internal/wire"
)

const (
	// writeTimeout bounds writing the response.
	writeTimeout = 10 * time.Second

	// lingerTimeout and lingerLimit bound draining unread request bytes
	// after the response, so closing does not reset the connection before
	// the client has read it.
	lingerTimeout = 500 * time.Millisecond
	lingerLimit   = 256 * 1024
)

// result is what the pipeline tells the client.
type result struct {
	status int
	detail string
}

// handle runs the pipeline for one connection and always answers before
// closing it.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	logger := slog.With(
		"request_id", uuid.NewString(),
		"remote", conn.RemoteAddr().String(),
	)

	if s.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(start.Add(s.config.ReadTimeout))
	}

	res := s.process(ctx, conn, logger)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeResponse(conn, res); err != nil {
		logger.Debug("failed to write response", "error", err)
	} else {
		linger(conn)
	}

	logger.Info("request handled",
		"status", res.status,
		"duration", time.Since(start),
	)
}

// process reads, parses and delivers one request. Every failure maps to
// a status; nothing here closes the connection.
func (s *Server) process(ctx context.Context, conn net.Conn, logger *slog.Logger) result {
	cfg := s.config.Wire

	raw, trailing, err := wire.ReadFrame(conn, cfg)
	if err != nil {
		return reject(logger, http.StatusBadRequest, "read frame", err)
	}

	header, err := wire.ParseHeader(raw)
	if err != nil {
		return reject(logger, http.StatusBadRequest, "parse header", err)
	}

	logger = logger.With("method", header.Method(), "target", header.Target())

	if header.Method() != http.MethodPost {
		return reject(logger, http.StatusMethodNotAllowed, "route", fmt.Errorf("method %s not allowed", header.Method()))
	}
	if path, _, _ := strings.Cut(header.Target(), "?"); path != s.config.Path {
		return reject(logger, http.StatusNotFound, "route", fmt.Errorf("no handler for %s", path))
	}

	n, err := header.ContentLength()
	if err != nil {
		return reject(logger, http.StatusBadRequest, "content length", err)
	}

	body, err := wire.CollectBody(conn, trailing, n, cfg)
	if err != nil {
		return reject(logger, http.StatusBadRequest, "collect body", err)
	}

	msg, err := contact.Decode(body)
	if err != nil {
		return reject(logger, http.StatusBadRequest, "decode form", err)
	}

	notification := email.FromContact(msg, s.config.Sender, s.config.Recipient, s.config.Identity)
	logger = logger.With("message_id", notification.MessageID)

	// Shutdown must not abort a submission that was already received.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	outcome, err := s.config.Deliverer.Deliver(dctx, notification)
	if err != nil {
		logger.Error("delivery failed", "error", err)
		return result{status: http.StatusBadGateway, detail: "delivery failed"}
	}

	if outcome == outbox.Queued {
		logger.Info("submission queued")
		return result{status: http.StatusAccepted, detail: "queued"}
	}
	logger.Info("submission delivered")
	return result{status: http.StatusOK, detail: "delivered"}
}

func reject(logger *slog.Logger, status int, stage string, err error) result {
	logger.Warn("request rejected",
		"stage", stage,
		"status", status,
		"framing", wire.IsFramingError(err),
		"error", err,
	)

	detail := err.Error()
	var missing *contact.MissingFieldError
	switch {
	case errors.As(err, &missing):
		detail = "missing field: " + missing.Name
	case errors.Is(err, wire.ErrHeaderTooLarge):
		detail = "header too large"
	case errors.Is(err, wire.ErrBodyTooLarge):
		detail = "body too large"
	}
	return result{status: status, detail: detail}
}

func writeResponse(conn net.Conn, res result) error {
	body := http.StatusText(res.status)
	if res.detail != "" {
		body += ": " + res.detail
	}
	body += "\n"

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", res.status, http.StatusText(res.status))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if res.status == http.StatusMethodNotAllowed {
		b.WriteString("Allow: POST\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)

	_, err := conn.Write([]byte(b.String()))
	return err
}

// linger half-closes conn and discards what the client still sends.
func linger(conn net.Conn) {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerLimit))
}
