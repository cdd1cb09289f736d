package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{fmt.Errorf("%w: wf-1", ErrNotFound), KindNotFound},
		{fmt.Errorf("%w: draft", ErrNotPublished), KindNotPublished},
		{fmt.Errorf("node n1: %w", fmt.Errorf("%w: bad delayMs", ErrConfig)), KindConfig},
		{fmt.Errorf("%w: timeout", ErrExternal), KindExternal},
		{fmt.Errorf("%w: insert run", ErrPersistence), KindPersistence},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}

func TestKindPrefersCancellation(t *testing.T) {
	err := errors.Join(fmt.Errorf("%w: by operator", ErrCancelled), fmt.Errorf("%w: call aborted", ErrExternal))
	assert.Equal(t, KindCancelled, Kind(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrExternal))
	assert.True(t, Retryable(ErrPersistence))
	assert.True(t, Retryable(errors.New("unclassified")))

	assert.False(t, Retryable(ErrNotFound))
	assert.False(t, Retryable(ErrNotPublished))
	assert.False(t, Retryable(ErrConfig))
	assert.False(t, Retryable(ErrCancelled))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, NodeTrigger.Valid())
	assert.False(t, NodeType("LOOP").Valid())
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.False(t, RunRunning.Terminal())
}
