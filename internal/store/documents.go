package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a document's position in the processing lifecycle.
type Status string

// Document lifecycle statuses. Progress is strictly forward; failed is
// reachable from any non-terminal status.
const (
	StatusPending   Status = "pending"
	StatusChunked   Status = "chunked"
	StatusEmbedding Status = "embedding"
	StatusEmbedded  Status = "embedded"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
)

// statusRank orders the forward path. failed sits outside the ordering and
// is handled explicitly.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusChunked:   1,
	StatusEmbedding: 2,
	StatusEmbedded:  3,
	StatusReady:     4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Document is a submitted document and its processing state.
type Document struct {
	ID        string
	Text      string
	Status    Status
	Namespace string

	// Model and Dimension record the embedding configuration the document
	// was indexed with. Queries must embed with the same model.
	Model     string
	Dimension int

	// Retriable marks a failed document as eligible for reprocessing.
	Retriable     bool
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateDocument persists a new document. The caller sets ID and Text;
// status starts at pending.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.Status = StatusPending
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, text, status, namespace, model, dimension, retriable, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Text, doc.Status, doc.Namespace, doc.Model, doc.Dimension,
		doc.Retriable, doc.FailureReason, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("document %s: %w", doc.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, status, namespace, model, dimension, retriable, failure_reason, created_at, updated_at
		FROM documents WHERE id = ?`, id)

	var doc Document
	err := row.Scan(&doc.ID, &doc.Text, &doc.Status, &doc.Namespace, &doc.Model,
		&doc.Dimension, &doc.Retriable, &doc.FailureReason, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return &doc, nil
}

// UpdateStatus advances a document's status. Transitions must move forward
// through the lifecycle; any non-terminal status may move to failed.
// Updating to the current status is a no-op.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.setStatus(ctx, id, status, "", false)
}

// MarkFailed moves a document to failed with a reason. Retriable failures
// can be resumed through reprocessing.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, retriable bool) error {
	return s.setStatus(ctx, id, StatusFailed, reason, retriable)
}

func (s *Store) setStatus(ctx context.Context, id string, status Status, reason string, retriable bool) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx, "SELECT status FROM documents WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading current status: %w", err)
	}

	if err := checkTransition(current, status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, failure_reason = ?, retriable = ?, updated_at = ?
		WHERE id = ?`,
		status, reason, retriable, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	return tx.Commit()
}

func checkTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if from == StatusFailed || from == StatusReady {
		return fmt.Errorf("%w: %s -> %s (terminal)", ErrInvalidTransition, from, to)
	}
	if to == StatusFailed {
		return nil
	}
	if statusRank[to] < statusRank[from] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ResetForReprocess moves a retriable failed document back to the given
// resume status. Only failed documents can be reset.
func (s *Store) ResetForReprocess(ctx context.Context, id string, resume Status) error {
	if !resume.Valid() || resume == StatusFailed {
		return fmt.Errorf("invalid resume status %q", resume)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, failure_reason = '', retriable = 0, updated_at = ?
		WHERE id = ? AND status = ? AND retriable = 1`,
		resume, time.Now().UTC(), id, StatusFailed)
	if err != nil {
		return fmt.Errorf("resetting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking reset: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s is not retriable-failed", ErrInvalidTransition, id)
	}
	return nil
}

// SetEmbeddingInfo records the namespace, model, and vector dimension a
// document was indexed under.
func (s *Store) SetEmbeddingInfo(ctx context.Context, id, namespace, model string, dimension int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET namespace = ?, model = ?, dimension = ?, updated_at = ?
		WHERE id = ?`,
		namespace, model, dimension, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating embedding info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDocument removes a document and, via foreign keys, its chunks,
// batches, conversations, and messages.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}
