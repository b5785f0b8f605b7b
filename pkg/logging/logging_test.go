package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, closer, err := New(Options{Name: "node-a", Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	logger.Named("producer").Info("event produced", "kind", "config")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"@module":"node-a.producer"`), line)
	assert.True(t, strings.Contains(line, `"kind":"config"`), line)
	assert.True(t, logger.IsDebug())
}

func TestNewDefaults(t *testing.T) {
	logger, closer, err := New(Options{Level: "warn"})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, "gocellar", logger.Name())
	assert.Equal(t, hclog.Warn, logger.GetLevel())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
