package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/config"
	"fieldproof/internal/logging"
)

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOutput(config.Log{Level: "warn", Format: "json"}, &buf)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("dropped")
	log.WithFields(logrus.Fields{"task_id": "t-1"}).Warn("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "t-1", line["task_id"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log := logging.NewWithOutput(config.Log{Level: "chatty"}, &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
