package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
ami:
  host: 192.168.1.200
  port: 5038
  username: admin
  secret: s3cret
  connect_timeout: 4s
mqtt:
  broker: tcp://localhost:1883
  client_id: test
  topic_prefix: pbx
  qos: 0
tracker:
  check_interval: 500ms
  idle_threshold: 10s
  status_interval: 15s
  retention: 1h
  status_rate: 20
  status_burst: 5
dial:
  context: outbound
  channel_format: PJSIP/%s@trunk
  priority: 2
  answer_timeout: 45s
log:
  level: debug
  format: json
metrics:
  listen: ":9102"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Addr() != "192.168.1.200:5038" {
		t.Errorf("expected addr=192.168.1.200:5038, got %s", cfg.AMI.Addr())
	}
	if cfg.AMI.ConnectTimeout != 4*time.Second {
		t.Errorf("expected connect_timeout=4s, got %s", cfg.AMI.ConnectTimeout)
	}
	if cfg.MQTT.StatusTopic() != "pbx/status" {
		t.Errorf("expected status topic pbx/status, got %s", cfg.MQTT.StatusTopic())
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("expected qos=0, got %d", cfg.MQTT.QoS)
	}
	if cfg.Tracker.CheckInterval != 500*time.Millisecond {
		t.Errorf("expected check_interval=500ms, got %s", cfg.Tracker.CheckInterval)
	}
	if cfg.Tracker.IdleThreshold != 10*time.Second || cfg.Tracker.StatusInterval != 15*time.Second {
		t.Errorf("unexpected poller timings %+v", cfg.Tracker)
	}
	if cfg.Tracker.Retention != time.Hour {
		t.Errorf("expected retention=1h, got %s", cfg.Tracker.Retention)
	}
	if cfg.Tracker.StatusRate != 20 || cfg.Tracker.StatusBurst != 5 {
		t.Errorf("unexpected status rate %g/%d", cfg.Tracker.StatusRate, cfg.Tracker.StatusBurst)
	}
	if cfg.Dial.Context != "outbound" || cfg.Dial.ChannelFormat != "PJSIP/%s@trunk" || cfg.Dial.Priority != 2 {
		t.Errorf("unexpected dial config %+v", cfg.Dial)
	}
	if cfg.Dial.AnswerTimeout != 45*time.Second {
		t.Errorf("expected answer_timeout=45s, got %s", cfg.Dial.AnswerTimeout)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.SlogLevel())
	}
	if cfg.Metrics.Listen != ":9102" {
		t.Errorf("expected metrics listen :9102, got %s", cfg.Metrics.Listen)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "127.0.0.1" {
		t.Errorf("expected default host=127.0.0.1, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Port != 5038 {
		t.Errorf("expected default port=5038, got %d", cfg.AMI.Port)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("expected MQTT disabled by default, got broker %s", cfg.MQTT.Broker)
	}
	if cfg.MQTT.TopicPrefix != "asterisk" {
		t.Errorf("expected default topic_prefix=asterisk, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Tracker.CheckInterval != time.Second {
		t.Errorf("expected default check_interval=1s, got %s", cfg.Tracker.CheckInterval)
	}
	if cfg.Tracker.IdleThreshold != 3*time.Second {
		t.Errorf("expected default idle_threshold=3s, got %s", cfg.Tracker.IdleThreshold)
	}
	if cfg.Tracker.StatusInterval != 5*time.Second {
		t.Errorf("expected default status_interval=5s, got %s", cfg.Tracker.StatusInterval)
	}
	if cfg.Tracker.Retention != 0 {
		t.Errorf("expected completed calls kept by default, got retention %s", cfg.Tracker.Retention)
	}
	if cfg.Dial.Context != "handler" || cfg.Dial.ChannelFormat != "Local/%s@origin" || cfg.Dial.Priority != 1 {
		t.Errorf("unexpected default dial config %+v", cfg.Dial)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.SlogLevel())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"empty username", `
ami:
  secret: s3cret
`, "ami.username is required"},
		{"empty secret", `
ami:
  username: admin
`, "ami.secret is required"},
		{"port zero", `
ami:
  port: 0
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 0"},
		{"port too high", `
ami:
  port: 70000
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 70000"},
		{"empty host", `
ami:
  host: ""
  username: admin
  secret: s3cret
`, "ami.host is required"},
		{"empty client_id", `
ami:
  username: admin
  secret: s3cret
mqtt:
  broker: tcp://localhost:1883
  client_id: ""
`, "mqtt.client_id is required"},
		{"bad qos", `
ami:
  username: admin
  secret: s3cret
mqtt:
  broker: tcp://localhost:1883
  qos: 3
`, "mqtt.qos must be 0, 1 or 2, got 3"},
		{"zero check interval", `
ami:
  username: admin
  secret: s3cret
tracker:
  check_interval: 0s
`, "tracker.check_interval must be positive, got 0s"},
		{"rate without burst", `
ami:
  username: admin
  secret: s3cret
tracker:
  status_rate: 5
  status_burst: 0
`, "tracker.status_burst must be at least 1 when status_rate is set"},
		{"channel format without placeholder", `
ami:
  username: admin
  secret: s3cret
dial:
  channel_format: Local/1000@origin
`, `dial.channel_format must contain exactly one %s, got "Local/1000@origin"`},
		{"unknown log format", `
ami:
  username: admin
  secret: s3cret
log:
  format: xml
`, `log.format must be text or json, got "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
