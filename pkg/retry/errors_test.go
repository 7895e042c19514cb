package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{
			name:      "nil error",
			err:       nil,
			permanent: false,
		},
		{
			name:      "explicit permanent",
			err:       Permanent(errors.New("bad config")),
			permanent: true,
		},
		{
			name:      "explicit transient",
			err:       Transient(errors.New("429")),
			permanent: false,
		},
		{
			name:      "wrapped permanent",
			err:       fmt.Errorf("running query: %w", Permanent(errors.New("bad sql"))),
			permanent: true,
		},
		{
			name:      "context canceled",
			err:       context.Canceled,
			permanent: true,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			permanent: false,
		},
		{
			name:      "wrapped deadline exceeded",
			err:       fmt.Errorf("executing query: %w", context.DeadlineExceeded),
			permanent: false,
		},
		{
			name:      "network timeout",
			err:       net.Error(timeoutErr{}),
			permanent: false,
		},
		{
			name:      "connection refused",
			err:       syscall.ECONNREFUSED,
			permanent: false,
		},
		{
			name:      "permission denied",
			err:       syscall.EACCES,
			permanent: true,
		},
		{
			name:      "unknown errors default to transient",
			err:       errors.New("something odd"),
			permanent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))

			if tt.err != nil {
				assert.Equal(t, !tt.permanent, IsTransient(tt.err))
			}
		})
	}
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Transient(nil))
}

func TestWrappersUnwrap(t *testing.T) {
	base := errors.New("base")

	assert.ErrorIs(t, Permanent(base), base)
	assert.ErrorIs(t, Transient(base), base)
}
