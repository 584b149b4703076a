package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errCause = errors.New("cause")

func TestValidationErrorMatchesKindAndCause(t *testing.T) {
	err := fmt.Errorf("ingest: %w", InvalidWrap("chunk_overlap", "must be smaller than chunk_size", errCause))

	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, errCause)
	assert.Contains(t, err.Error(), "chunk_overlap: must be smaller than chunk_size")

	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "chunk_overlap", vErr.Field)
}

func TestValidationErrorWithoutField(t *testing.T) {
	assert.Equal(t, "question is required", Invalid("", "question is required").Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("embed: %w", ErrTimeout)))
	assert.True(t, IsRetryable(fmt.Errorf("ollama: %w", ErrTransient)))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(Invalid("question", "required")))
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "connection refused",
			err:  &url.Error{Op: "Post", URL: "http://localhost:11434/api/chat", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
			want: true,
		},
		{
			name: "dns timeout",
			err:  &url.Error{Op: "Get", URL: "http://ollama:11434/api/tags", Err: &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Name: "ollama", IsTimeout: true}}},
			want: true,
		},
		{
			name: "unknown host",
			err:  &url.Error{Op: "Get", URL: "http://nosuchhost:11434/api/tags", Err: &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Name: "nosuchhost", IsNotFound: true}}},
			want: false,
		},
		{
			name: "unsupported scheme",
			err:  &url.Error{Op: "Get", URL: "ftp://localhost/api/tags", Err: errors.New(`unsupported protocol scheme "ftp"`)},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(fmt.Errorf("call ollama: %w", tt.err)))
		})
	}
}

func TestTransientStatus(t *testing.T) {
	assert.True(t, TransientStatus(503))
	assert.True(t, TransientStatus(429))
	assert.False(t, TransientStatus(404))
	assert.False(t, TransientStatus(200))
}
