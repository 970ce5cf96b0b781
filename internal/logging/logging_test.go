package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFallsBackToInfo(t *testing.T) {
	logger := New("not-a-level", "json")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	text := New("debug", "TEXT")
	assert.Equal(t, logrus.DebugLevel, text.GetLevel())
}

func TestLogErrorWritesModuleFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	LogError(logger, "importer", "flushChunk", "chunk commit failed", map[string]int{"rows": 3}, errors.New("deadlock"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "importer", entry["module"])
	assert.Equal(t, "flushChunk", entry["funcName"])
	assert.Equal(t, "deadlock", entry["msg"])
	assert.NotNil(t, entry["data"])
}
