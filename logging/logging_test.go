package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextLogger_FiltersBelowMin(t *testing.T) {
	var buf bytes.Buffer
	l := NewText(&buf, LevelWarn)
	l.Info("ignored")
	l.Warn("kept", F("k", 1))
	out := buf.String()
	assert.False(t, strings.Contains(out, "ignored"))
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "k=1")
}

func TestNoOp_DiscardsEverything(t *testing.T) {
	l := NoOp()
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
	})
}
