package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI     AMIConfig     `yaml:"ami"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Tracker TrackerConfig `yaml:"tracker"`
	Dial    DialConfig    `yaml:"dial"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type AMIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Secret         string        `yaml:"secret"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type MQTTConfig struct {
	// Broker may be left empty to run without publishing.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// TrackerConfig tunes the liveness poller.
type TrackerConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	IdleThreshold  time.Duration `yaml:"idle_threshold"`
	StatusInterval time.Duration `yaml:"status_interval"`
	// Retention of completed calls; 0 keeps them forever.
	Retention time.Duration `yaml:"retention"`
	// StatusRate caps Status queries per second across all calls; 0 disables.
	StatusRate  float64 `yaml:"status_rate"`
	StatusBurst int     `yaml:"status_burst"`
}

// DialConfig shapes Originate requests.
type DialConfig struct {
	Context       string        `yaml:"context"`
	ChannelFormat string        `yaml:"channel_format"`
	Priority      int           `yaml:"priority"`
	AnswerTimeout time.Duration `yaml:"answer_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the address for the Prometheus endpoint; empty disables it.
	Listen string `yaml:"listen"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// StatusTopic is where the bridge's online/offline state is retained.
func (c *MQTTConfig) StatusTopic() string {
	return c.TopicPrefix + "/status"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		AMI: AMIConfig{
			Host:           "127.0.0.1",
			Port:           5038,
			ConnectTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "asterisk-calltracker",
			TopicPrefix: "asterisk",
			QoS:         1,
		},
		Tracker: TrackerConfig{
			CheckInterval:  time.Second,
			IdleThreshold:  3 * time.Second,
			StatusInterval: 5 * time.Second,
			StatusBurst:    1,
		},
		Dial: DialConfig{
			Context:       "handler",
			ChannelFormat: "Local/%s@origin",
			Priority:      1,
			AnswerTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	if c.Tracker.CheckInterval <= 0 {
		return fmt.Errorf("tracker.check_interval must be positive, got %s", c.Tracker.CheckInterval)
	}
	if c.Tracker.IdleThreshold < 0 || c.Tracker.StatusInterval < 0 || c.Tracker.Retention < 0 {
		return fmt.Errorf("tracker durations must not be negative")
	}
	if c.Tracker.StatusRate < 0 {
		return fmt.Errorf("tracker.status_rate must not be negative, got %g", c.Tracker.StatusRate)
	}
	if c.Tracker.StatusRate > 0 && c.Tracker.StatusBurst < 1 {
		return fmt.Errorf("tracker.status_burst must be at least 1 when status_rate is set")
	}
	if strings.Count(c.Dial.ChannelFormat, "%s") != 1 {
		return fmt.Errorf("dial.channel_format must contain exactly one %%s, got %q", c.Dial.ChannelFormat)
	}
	if c.Dial.Context == "" {
		return fmt.Errorf("dial.context is required")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogHandler returns a slog.Handler configured with the log format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
