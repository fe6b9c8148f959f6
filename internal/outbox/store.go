// Package outbox persists contact submissions and retries their delivery
// until the provider accepts them or the attempt budget runs out.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/shineum/contact-relay/internal/email"
)

// Status is the delivery state of a submission.
type Status string

const (
	StatusPending Status = "pending"
	// StatusSending marks a submission claimed by one attempt. The claim
	// lasts until next_attempt_at; a claim left behind by a crashed
	// process becomes claimable again once it expires.
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when no submission has the requested id.
var ErrNotFound = errors.New("submission not found")

// Submission is one stored notification and its delivery bookkeeping.
type Submission struct {
	ID            string    `db:"id"`
	MessageID     string    `db:"message_id"`
	Sender        string    `db:"sender"`
	Recipient     string    `db:"recipient"`
	ReplyTo       string    `db:"reply_to"`
	ReplyToName   string    `db:"reply_to_name"`
	Subject       string    `db:"subject"`
	Body          string    `db:"body"`
	SubmittedAt   time.Time `db:"submitted_at"`
	Status        Status    `db:"status"`
	Attempts      int       `db:"attempts"`
	LastError     string    `db:"last_error"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Email rebuilds the notification exactly as it was first composed, so
// every attempt carries the same Message-ID and Date.
func (s *Submission) Email() *email.Email {
	return &email.Email{
		From:        s.Sender,
		To:          s.Recipient,
		ReplyTo:     s.ReplyTo,
		ReplyToName: s.ReplyToName,
		Subject:     s.Subject,
		TextBody:    s.Body,
		MessageID:   s.MessageID,
		Date:        s.SubmittedAt,
	}
}

// Store is the SQLite-backed submission table.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path, enables WAL mode, and runs
// any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Insert stores msg already claimed by the caller until leaseUntil, so the
// retry worker leaves it alone while the first attempt runs.
func (s *Store) Insert(ctx context.Context, msg *email.Email, now, leaseUntil time.Time) (*Submission, error) {
	now = dbTime(now)
	sub := &Submission{
		ID:            uuid.NewString(),
		MessageID:     msg.MessageID,
		Sender:        msg.From,
		Recipient:     msg.To,
		ReplyTo:       msg.ReplyTo,
		ReplyToName:   msg.ReplyToName,
		Subject:       msg.Subject,
		Body:          msg.TextBody,
		SubmittedAt:   dbTime(msg.Date),
		Status:        StatusSending,
		NextAttemptAt: dbTime(leaseUntil),
		UpdatedAt:     now,
	}
	if msg.Date.IsZero() {
		sub.SubmittedAt = now
	}

	const query = `
		INSERT INTO submissions (
			id, message_id, sender, recipient,
			reply_to, reply_to_name, subject, body,
			submitted_at, status, attempts, last_error,
			next_attempt_at, updated_at
		) VALUES (
			:id, :message_id, :sender, :recipient,
			:reply_to, :reply_to_name, :subject, :body,
			:submitted_at, :status, :attempts, :last_error,
			:next_attempt_at, :updated_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, sub); err != nil {
		return nil, fmt.Errorf("inserting submission: %w", err)
	}
	return sub, nil
}

// Get returns the submission with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Submission, error) {
	var sub Submission
	err := s.db.GetContext(ctx, &sub, "SELECT * FROM submissions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting submission %s: %w", id, err)
	}
	return &sub, nil
}

// Due returns the submissions ClaimDue would take at now, oldest first,
// without claiming them.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 100
	}

	var subs []Submission
	err := s.db.SelectContext(ctx, &subs, `
		SELECT * FROM submissions
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, submitted_at ASC
		LIMIT ?`,
		StatusPending, StatusSending, dbTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due submissions: %w", err)
	}
	return subs, nil
}

// ClaimDue atomically moves up to limit due submissions to StatusSending
// with a claim until leaseUntil and returns them, oldest first. A
// submission is never returned by two overlapping claims.
func (s *Store) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 100
	}

	var subs []Submission
	err := s.db.SelectContext(ctx, &subs, `
		UPDATE submissions
		SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM submissions
			WHERE status IN (?, ?) AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, submitted_at ASC
			LIMIT ?
		)
		RETURNING *`,
		StatusSending, dbTime(leaseUntil), dbTime(now),
		StatusPending, StatusSending, dbTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming due submissions: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	slices.SortStableFunc(subs, func(a, b Submission) int {
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})
	return subs, nil
}

// MarkDelivered records a successful attempt.
func (s *Store) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	return s.update(ctx, id, `
		UPDATE submissions
		SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?`,
		StatusDelivered, dbTime(now), id,
	)
}

// MarkRetry records a failed attempt, releases the claim and schedules the
// next attempt.
func (s *Store) MarkRetry(ctx context.Context, id string, cause error, next, now time.Time) error {
	return s.update(ctx, id, `
		UPDATE submissions
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusPending, cause.Error(), dbTime(next), dbTime(now), id,
	)
}

// MarkFailed records a final failed attempt.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, now time.Time) error {
	return s.update(ctx, id, `
		UPDATE submissions
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		StatusFailed, cause.Error(), dbTime(now), id,
	)
}

// Counts returns the number of submissions per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows := []struct {
		Status Status `db:"status"`
		N      int    `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM submissions GROUP BY status"); err != nil {
		return nil, fmt.Errorf("counting submissions: %w", err)
	}

	counts := make(map[Status]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating submission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating submission %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// dbTime normalizes timestamps so their stored text sorts chronologically.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
