package store

import (
	"context"
	"fmt"
	"strings"
)

// Chunk is a persisted chunk row. IDs double as vector point IDs in the
// index, so they are UUIDs rather than (document, seq) pairs.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Start      int
	End        int
	TokenCount int
	Text       string
}

// InsertChunks persists a document's chunks in one transaction. Existing
// chunks for the document are replaced, so re-chunking is idempotent.
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, seq, start_offset, end_offset, token_count, text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, documentID, c.Seq, c.Start, c.End, c.TokenCount, c.Text); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", c.Seq, err)
		}
	}

	return tx.Commit()
}

// GetChunks returns a document's chunks ordered by sequence.
func (s *Store) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, seq, start_offset, end_offset, token_count, text
		FROM chunks WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Start, &c.End, &c.TokenCount, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByID fetches chunks by their IDs, in sequence order.
func (s *Store) GetChunksByID(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, document_id, seq, start_offset, end_offset, token_count, text
		FROM chunks WHERE id IN (%s) ORDER BY seq`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Start, &c.End, &c.TokenCount, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// BatchState tracks an embedding batch through retries.
type BatchState string

const (
	BatchPending BatchState = "pending"
	BatchDone    BatchState = "done"
	BatchFailed  BatchState = "failed"
)

// EmbeddingBatch is one unit of embedding work covering chunk sequences
// [StartSeq, EndSeq).
type EmbeddingBatch struct {
	DocumentID string
	Index      int
	State      BatchState
	Attempts   int
	LastError  string
	StartSeq   int
	EndSeq     int
}

// CreateBatches persists the batch plan for a document, replacing any
// previous plan.
func (s *Store) CreateBatches(ctx context.Context, documentID string, batches []EmbeddingBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM embedding_batches WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("clearing batches: %w", err)
	}

	for _, b := range batches {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_batches (document_id, batch_index, state, attempts, last_error, start_seq, end_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			documentID, b.Index, b.State, b.Attempts, b.LastError, b.StartSeq, b.EndSeq)
		if err != nil {
			return fmt.Errorf("inserting batch %d: %w", b.Index, err)
		}
	}

	return tx.Commit()
}

// GetBatches returns a document's embedding batches in index order.
func (s *Store) GetBatches(ctx context.Context, documentID string) ([]EmbeddingBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, batch_index, state, attempts, last_error, start_seq, end_seq
		FROM embedding_batches WHERE document_id = ? ORDER BY batch_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer rows.Close()

	var batches []EmbeddingBatch
	for rows.Next() {
		var b EmbeddingBatch
		if err := rows.Scan(&b.DocumentID, &b.Index, &b.State, &b.Attempts, &b.LastError, &b.StartSeq, &b.EndSeq); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatch records the outcome of one batch attempt.
func (s *Store) UpdateBatch(ctx context.Context, documentID string, index int, state BatchState, attempts int, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_batches SET state = ?, attempts = ?, last_error = ?
		WHERE document_id = ? AND batch_index = ?`,
		state, attempts, lastError, documentID, index)
	if err != nil {
		return fmt.Errorf("updating batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("batch %d of document %s: %w", index, documentID, ErrNotFound)
	}
	return nil
}
