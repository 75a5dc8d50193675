package apexerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalError_UnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	fe := &FatalError{Cause: cause, Message: "epoch regression"}
	assert.True(t, errors.Is(fe, cause))
	assert.Contains(t, fe.Error(), "epoch regression")
}

func TestWrapError_PreservesIs(t *testing.T) {
	cause := errors.New("root")
	wrapped := WrapError("context", cause)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestTopologyViolation_DefaultMessage(t *testing.T) {
	e := &TopologyViolation{}
	assert.Equal(t, "topology violation", e.Error())
}
