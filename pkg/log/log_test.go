package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	sandboxLogger := WithSandboxID(WithComponent("pool"), "sb-1")
	sandboxLogger.Info().Msg("probe")
	assert.Contains(t, buf.String(), `"component":"pool"`)
	assert.Contains(t, buf.String(), `"sandbox_id":"sb-1"`)

	buf.Reset()
	sessionLogger := WithSessionID(WithComponent("agent"), "sess-1")
	sessionLogger.Info().Msg("turn")
	assert.Contains(t, buf.String(), `"session_id":"sess-1"`)
}

func TestInitFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	infoLogger := WithComponent("pool")
	infoLogger.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	warnLogger := WithComponent("pool")
	warnLogger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
