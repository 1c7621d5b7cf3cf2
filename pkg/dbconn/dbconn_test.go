package dbconn

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestCanRetry(t *testing.T) {
	if CanRetry(nil) {
		t.Error("nil error must not be retryable")
	}
	if CanRetry(errors.New("boom")) {
		t.Error("an opaque error must not be retryable")
	}
	notPrimary := mongo.CommandError{Code: 10107, Message: "not writable primary"}
	if !CanRetry(notPrimary) {
		t.Error("NotWritablePrimary must be retryable")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := NewDBConfig()
	cfg.MaxRetries = 3
	attempts := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return mongo.CommandError{Code: 189}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	cfg := NewDBConfig()
	cfg.MaxRetries = 5
	permanent := errors.New("permanent")
	attempts := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (should not retry permanent error)", attempts)
	}
}
