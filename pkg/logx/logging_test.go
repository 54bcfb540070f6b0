package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))
	log.Debug("hidden")
	log.Info("sent", Int("n", 2), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "sent", m["message"])
	assert.Equal(t, "dispatch", m["comp"])
	assert.EqualValues(t, 2, m["n"])
	assert.NotContains(t, m, "err")
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nobody hears this")
	assert.False(t, Nop().IsZero())
}

func TestApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.log")
	cfg := Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)

	log.Info("skipped")
	log.Warn("kept")
	cfg.Level = "debug"
	svc.Apply(cfg)
	log.Debug("now visible")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "skipped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "now visible")
}

func TestAlertsForwardWarnings(t *testing.T) {
	svc, log := New(Config{
		Level:  "debug",
		File:   FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "a.log")},
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()

	got := make(chan string, 4)
	svc.SetAlerter(func(_ context.Context, text string) error {
		got <- text
		return nil
	})

	log = log.With(String("comp", "offline"))
	log.Info("below threshold")
	log.Warn("delivery path", NoAlert())
	log.Error("queue persist failed", String("key", "offline/queue"))

	select {
	case text := <-got:
		assert.True(t, strings.HasPrefix(text, "[ERROR] queue persist failed"), text)
		assert.Contains(t, text, "- comp=offline")
		assert.Contains(t, text, "- key=offline/queue")
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	select {
	case text := <-got:
		t.Fatalf("unexpected alert %q", text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFormatAlert(t *testing.T) {
	assert.Equal(t, "[WARN] x\n- a=1\n- b=two",
		formatAlert([]byte(`{"level":"warn","time":"t","message":"x","b":"two","a":1}`)))
	assert.Empty(t, formatAlert([]byte(`{"level":"warn","message":"x","noalert":true}`)))
	assert.Equal(t, "not json", formatAlert([]byte(" not json \n")))
	assert.Len(t, formatAlert([]byte(strings.Repeat("x", 5000))), 3500)
}
