// Package vectorstore provides the namespaced vector index backing
// retrieval. Each document gets its own namespace (one collection per
// document), so deleting a document unreachably removes its vectors and
// queries never cross documents.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidNamespace is returned for namespace names that fail
	// validation.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrConnectionFailed is returned when the index backend cannot be
	// reached at construction time.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrDimensionMismatch is returned when vectors do not match the
	// dimension a namespace was provisioned with.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// namespacePattern validates namespace names: lowercase letters, numbers,
// underscores, 1-64 characters.
var namespacePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Vector is one embedded chunk bound for the index.
type Vector struct {
	// ID is the chunk ID, used as the point ID.
	ID string

	Values []float32

	// Seq is the chunk's position in the document, carried as payload so
	// matches can be reassembled in document order.
	Seq int

	// Snippet is a short prefix of the chunk text, carried as payload for
	// citation display without a store round trip.
	Snippet string
}

// Match is one query result.
type Match struct {
	ID      string
	Score   float32
	Seq     int
	Snippet string
}

// Index is a namespaced vector index.
//
// Querying a namespace that does not exist (or is empty) returns no matches
// rather than an error; transient backend failures surface as retryable
// errors after the built-in retry budget is exhausted.
type Index interface {
	// EnsureNamespace provisions the namespace for vectors of the given
	// dimension. Idempotent.
	EnsureNamespace(ctx context.Context, namespace string, dimension int) error

	// Upsert writes vectors into the namespace. Re-upserting an ID
	// replaces it.
	Upsert(ctx context.Context, namespace string, vectors []Vector) error

	// Query returns up to topK nearest matches with score >= minScore,
	// ordered by descending score.
	Query(ctx context.Context, namespace string, vector []float32, topK int, minScore float32) ([]Match, error)

	// DeleteNamespace removes the namespace and everything in it.
	// Deleting an absent namespace is a no-op.
	DeleteNamespace(ctx context.Context, namespace string) error

	Close() error
}

// ValidateNamespace checks a namespace name against the naming rules.
func ValidateNamespace(name string) error {
	if name == "" {
		return fmt.Errorf("%w: namespace cannot be empty", ErrInvalidNamespace)
	}
	if !namespacePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidNamespace, name)
	}
	return nil
}

// NamespaceForDocument derives the index namespace from a document ID.
// UUID hyphens become underscores to satisfy the naming rules.
func NamespaceForDocument(documentID string) string {
	ns := strings.ToLower(documentID)
	ns = strings.NewReplacer("-", "_", ".", "_").Replace(ns)
	return "doc_" + ns
}

// IsTransientError reports whether an error is worth retrying: temporary
// backend unavailability, timeouts, and backpressure. Invalid arguments,
// missing resources, and auth failures are permanent.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// retryOperation retries a transient-failing operation with exponential
// backoff. Permanent errors return immediately.
func retryOperation(ctx context.Context, name string, maxRetries int, backoff time.Duration, operation func() error) error {
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}
		if attempt == maxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
