package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateExpired.Terminal())
}

func TestCanTransitionEdges(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateQueued, StateRunning},
		{StateQueued, StateExpired},
		{StateRunning, StateSucceeded},
		{StateRunning, StateFailed},
		{StateRunning, StateQueued},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e.from, e.to), "%s -> %s should be allowed", e.from, e.to)
	}

	denied := []struct{ from, to State }{
		{StateQueued, StateSucceeded},
		{StateQueued, StateFailed},
		{StateRunning, StateExpired},
		{StateSucceeded, StateRunning},
		{StateFailed, StateQueued},
		{StateExpired, StateRunning},
	}
	for _, e := range denied {
		assert.False(t, CanTransition(e.from, e.to), "%s -> %s should be denied", e.from, e.to)
	}
}

func TestCloneIsDeep(t *testing.T) {
	job := &Job{
		ID:        "j",
		State:     StateFailed,
		InputRefs: []string{"a"},
		Params:    map[string]any{"k": "v"},
		Failure:   &FailureReason{Code: "TIMEOUT", Message: "m"},
	}

	cp := job.Clone()
	cp.InputRefs[0] = "b"
	cp.Params["k"] = "w"
	cp.Failure.Code = "OTHER"

	assert.Equal(t, "a", job.InputRefs[0])
	assert.Equal(t, "v", job.Params["k"])
	assert.Equal(t, "TIMEOUT", job.Failure.Code)
}
