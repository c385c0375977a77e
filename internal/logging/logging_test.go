package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"fleetcore/internal/config"
)

func TestJSONLoggerCarriesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := newWithOutput(config.Config{Env: "test", LogLevel: "debug", LogFormat: "json"}, "worker", &buf)
	log.WithField("job_id", "j-1").Info("dispatched")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line: %v (%s)", err, buf.String())
	}
	if line["service"] != "worker" || line["job_id"] != "j-1" || line["env"] != "test" {
		t.Fatalf("unexpected fields %v", line)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := newWithOutput(config.Config{LogLevel: "chatty"}, "api", &buf)
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level")
	}
}
