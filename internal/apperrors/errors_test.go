package apperrors_test

import (
	"errors"
	"testing"

	"catalogd/internal/apperrors"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *apperrors.Error
		expected string
	}{
		{
			name:     "with message",
			err:      apperrors.New("queue.Enqueue", apperrors.KindAlreadyQueued, "item already queued"),
			expected: "queue.Enqueue: item already queued",
		},
		{
			name:     "wrapped underlying error",
			err:      apperrors.Wrap("queue.Claim", apperrors.KindStorage, errors.New("disk full")).(*apperrors.Error),
			expected: "queue.Claim: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWrap_NilError(t *testing.T) {
	if result := apperrors.Wrap("op", apperrors.KindStorage, nil); result != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.Kind
	}{
		{"not found sentinel", apperrors.ErrNotFound, apperrors.KindNotFound},
		{"structured error", apperrors.New("op", apperrors.KindAlreadyRunning, ""), apperrors.KindAlreadyRunning},
		{"wrapped structured error", apperrors.Wrap("op", apperrors.KindTimeout, errors.New("boom")), apperrors.KindTimeout},
		{"plain error defaults unknown", errors.New("boom"), apperrors.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apperrors.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsHelpers(t *testing.T) {
	notFound := apperrors.New("op", apperrors.KindNotFound, "")
	if !apperrors.IsNotFound(notFound) {
		t.Error("IsNotFound should be true for a KindNotFound error")
	}
	if apperrors.IsCancelled(notFound) {
		t.Error("IsCancelled should be false for a KindNotFound error")
	}

	cancelled := apperrors.New("op", apperrors.KindCancelled, "")
	if !errors.Is(cancelled, apperrors.ErrCancelled) {
		t.Error("errors.Is should match the Kind's sentinel via Unwrap")
	}
}

func TestAPIError(t *testing.T) {
	err := apperrors.API("llm.Complete", 429, "rate limited by provider")
	if err.Kind != apperrors.KindAPI {
		t.Errorf("Kind = %q, want %q", err.Kind, apperrors.KindAPI)
	}
	if err.Status != 429 {
		t.Errorf("Status = %d, want 429", err.Status)
	}
}
