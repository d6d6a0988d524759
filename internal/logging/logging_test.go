package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	logger := Component(root, "engine")
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"engine"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
