package logrus_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/log"
	loglogrus "github.com/ShayCichocki/colony/internal/log/logrus"
)

func newTestLogger(buf *bytes.Buffer) log.Logger {
	l := logrus.New()
	l.Out = buf
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.JSONFormatter{})
	return loglogrus.NewLogrus(logrus.NewEntry(l))
}

func TestLogrusWithValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).WithValues(log.Kv{"svc": "test"})

	logger.Infof("hello %s", "world")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello world", entry["msg"])
	assert.Equal(t, "test", entry["svc"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogrusCtxValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := logger.SetValuesOnCtx(context.Background(), log.Kv{"task": "t1"})
	ctx = log.CtxWithValues(ctx, log.Kv{"tenant": "acme"})
	logger.WithCtxValues(ctx).Debugf("claimed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "t1", entry["task"])
	assert.Equal(t, "acme", entry["tenant"])
}

func TestNoopIgnoresEverything(t *testing.T) {
	ctx := context.Background()
	l := log.Noop.WithValues(log.Kv{"a": 1}).WithCtxValues(ctx)
	l.Errorf("nothing")
	assert.Equal(t, ctx, l.SetValuesOnCtx(ctx, log.Kv{"b": 2}))
}
