package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("syntax error"), false},
		{"busy", errors.New("SQLITE_BUSY"), true},
		{"locked text", errors.New("database is locked"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientSQLiteErr(tt.err); got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOpRetriesTransient(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	calls := 0
	err := retryOp(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("retryOp = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestRetryOpStopsOnPermanentError(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	calls := 0
	perm := errors.New("constraint failed")
	err := retryOp(context.Background(), cfg, func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) || calls != 1 {
		t.Fatalf("retryOp = %v after %d calls, want perm after 1", err, calls)
	}
}

func TestWrapErrKeepsSentinels(t *testing.T) {
	err := wrapErr("op", errors.New("disk I/O error"))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("wrapErr lost ErrStorage: %v", err)
	}
	nf := wrapErr("op", ErrNotFound)
	if !errors.Is(nf, ErrNotFound) || errors.Is(nf, ErrStorage) {
		t.Fatalf("wrapErr(ErrNotFound) = %v", nf)
	}
}
