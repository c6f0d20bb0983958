package lode

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"context deadline exceeded", ErrTimeout},
		{"connection timeout after 30s", ErrTimeout},
		{"AccessDenied: you do not have access", ErrAccessDenied},
		{"received status 403", ErrAccessDenied},
		{"permission denied for /var/lib/ota", ErrPermissionDenied},
		{"open /tmp/x: EACCES", ErrPermissionDenied},
		{"open /var/lib/ota: no such file or directory", ErrNotFound},
		{"NoSuchKey: key does not exist", ErrNotFound},
		{"write: no space left on device", ErrDiskFull},
		{"SlowDown: reduce your request rate", ErrThrottled},
		{"status 429", ErrThrottled},
		{"NoCredentialProviders: no valid providers", ErrAuth},
		{"ExpiredToken", ErrAuth},
		{"dial tcp 10.0.0.1:443: connection refused", ErrNetwork},
		{"something odd", ErrUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := classifyError(errors.New(tt.msg)); !errors.Is(got, tt.want) {
				t.Errorf("classifyError(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string {
	return "slow"
}

func (timeoutError) Timeout() bool {
	return true
}

func TestClassifyError_TimeoutInterface(t *testing.T) {
	if got := classifyError(fmt.Errorf("wrapped: %w", timeoutError{})); got != ErrTimeout {
		t.Errorf("got %v, want ErrTimeout", got)
	}
}

func TestWrapErrors(t *testing.T) {
	if WrapWriteError(nil, "p") != nil || WrapReadError(nil, "p") != nil || WrapInitError(nil, "d") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	orig := errors.New("i/o timeout")
	err := WrapReadError(orig, "ota/snapshots")

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if se.Op != "read" || se.Path != "ota/snapshots" {
		t.Errorf("Op/Path = %q/%q", se.Op, se.Path)
	}
	if !errors.Is(err, orig) {
		t.Error("original error must remain in chain")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("expected ErrTimeout kind")
	}

	// Already classified errors are not double wrapped.
	if again := WrapWriteError(err, "other"); again != err {
		t.Error("expected classified error to pass through")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{WrapWriteError(context.DeadlineExceeded, "p"), true},
		{WrapWriteError(errors.New("SlowDown"), "p"), true},
		{WrapWriteError(errors.New("connection refused"), "p"), true},
		{WrapWriteError(errors.New("no space left on device"), "p"), false},
		{WrapWriteError(errors.New("AccessDenied"), "p"), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
