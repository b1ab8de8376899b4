package toolserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeNetError implements net.Error for classification tests.
type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{
			name: "nil error",
			err:  nil,
			want: NoRetry,
		},
		{
			name: "context canceled",
			err:  context.Canceled,
			want: NoRetry,
		},
		{
			name: "context deadline",
			err:  fmt.Errorf("call failed: %w", context.DeadlineExceeded),
			want: NoRetry,
		},
		{
			name: "network timeout",
			err:  &fakeNetError{timeout: true},
			want: NoRetry,
		},
		{
			name: "network non-timeout",
			err:  &fakeNetError{timeout: false},
			want: RetryNewSession,
		},
		{
			name: "eof",
			err:  io.EOF,
			want: RetryNewSession,
		},
		{
			name: "unexpected eof wrapped",
			err:  fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
			want: RetryNewSession,
		},
		{
			name: "connection refused",
			err:  errors.New("dial tcp 127.0.0.1:8600: connection refused"),
			want: RetryNewSession,
		},
		{
			name: "broken pipe",
			err:  errors.New("write: Broken Pipe"),
			want: RetryNewSession,
		},
		{
			name: "protocol method not found",
			err:  errors.New("jsonrpc: Method Not Found"),
			want: NoRetry,
		},
		{
			name: "protocol invalid params",
			err:  errors.New("invalid params: missing url"),
			want: NoRetry,
		},
		{
			name: "unknown error",
			err:  errors.New("something odd happened"),
			want: NoRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestRetryBackoffBounds(t *testing.T) {
	assert.Less(t, RetryBackoffMin, RetryBackoffMax)
	assert.Positive(t, MaxRetries)
}
