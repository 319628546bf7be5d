package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateNamespace(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "doc_abc123", false},
		{"valid short", "a", false},
		{"empty", "", true},
		{"uppercase", "Doc_ABC", true},
		{"hyphen", "doc-abc", true},
		{"path traversal", "../etc", true},
		{"too long", "a123456789012345678901234567890123456789012345678901234567890123456789", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNamespace(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNamespace)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNamespaceForDocument(t *testing.T) {
	ns := NamespaceForDocument("A1B2C3D4-e5f6-7890-abcd-ef1234567890")
	assert.Equal(t, "doc_a1b2c3d4_e5f6_7890_abcd_ef1234567890", ns)
	assert.NoError(t, ValidateNamespace(ns))
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"aborted", status.Error(codes.Aborted, "conflict"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "rate limited"), true},
		{"not found", status.Error(codes.NotFound, "missing"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"unauthenticated", status.Error(codes.Unauthenticated, "no key"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestRetryOperationRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := retryOperation(context.Background(), "op", 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOperationPermanentErrorFailsFast(t *testing.T) {
	calls := 0
	err := retryOperation(context.Background(), "op", 3, time.Millisecond, func() error {
		calls++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "permanent")
}

func TestRetryOperationExhaustsBudget(t *testing.T) {
	calls := 0
	err := retryOperation(context.Background(), "op", 2, time.Millisecond, func() error {
		calls++
		return status.Error(codes.Unavailable, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestRetryOperationHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryOperation(ctx, "op", 5, time.Minute, func() error {
		return status.Error(codes.Unavailable, "down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
