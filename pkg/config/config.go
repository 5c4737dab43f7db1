package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Returned when the configuration misses the shared server secret. Without
// it no client could ever authenticate, so startup is refused.
var ErrNoServerSecret = errors.New("SERVER_SECRET is not configured")

// Server configuration. Values may come from an optional YAML file, but
// the environment variables always win so that deployments can be driven
// entirely from the environment.
type Config struct {
	// Shared secret that every client must present. Mandatory.
	ServerSecret string `yaml:"serverSecret"`
	// Admin key. When empty the admin path is disabled (fails closed).
	AdminSecret string `yaml:"adminSecret"`
	// TCP port of the signaling (and admin API) listener.
	SignalingPort int `yaml:"signalingPort"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
	// Media (SFU) configuration.
	Media Media `yaml:"media"`
	// Signaling configuration.
	Signaling Signaling `yaml:"signaling"`
	// Telemetry (tracing) configuration. Disabled when the host is empty.
	Telemetry Telemetry `yaml:"telemetry"`
}

// Configuration of the media worker.
type Media struct {
	// IP the RTC sockets bind to.
	ListenIP string `yaml:"listenIp"`
	// Public IP announced in ICE candidates. Falls back to ListenIP.
	AnnouncedIP string `yaml:"announcedIp"`
	// UDP port range for RTC traffic. Zero means ephemeral.
	PortMin uint16 `yaml:"portMin"`
	PortMax uint16 `yaml:"portMax"`
	// Speaking detection threshold in dBov (negative; -127..0).
	SpeakerThreshold int `yaml:"speakerThreshold"`
	// Sampling interval of the active speaker observer.
	SpeakerInterval time.Duration `yaml:"speakerInterval"`
	// How long a producer must stay silent before "stopped speaking" fires.
	SpeakingHoldOff time.Duration `yaml:"speakingHoldOff"`
	// How long transport establishment (ICE gathering) may take.
	ICETimeout time.Duration `yaml:"iceTimeout"`
}

// Configuration of the signaling layer.
type Signaling struct {
	// Deadline for a single request handler.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// Tracing configuration.
type Telemetry struct {
	// OTLP HTTP endpoint host (no URL path). Empty disables tracing.
	OTLPHost string `yaml:"otlpHost"`
	// Use HTTPS when talking to the OTLP endpoint.
	OTLPSecure bool `yaml:"otlpSecure"`
}

// Load reads the optional YAML file at path (ignored when it does not
// exist), overlays the environment variables and validates the result.
func Load(path string) (*Config, error) {
	config := defaults()

	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case err == nil:
			logrus.WithField("path", path).Info("loading config file")
			if err := yaml.Unmarshal(file, config); err != nil {
				return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
			}
		case os.IsNotExist(err):
			logrus.WithField("path", path).Debug("no config file, using environment only")
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config.applyEnv()

	if config.ServerSecret == "" {
		return nil, ErrNoServerSecret
	}
	if config.Media.PortMin != 0 && config.Media.PortMax < config.Media.PortMin {
		return nil, fmt.Errorf("invalid media port range: %d..%d", config.Media.PortMin, config.Media.PortMax)
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		SignalingPort: 5000,
		LogLevel:      "info",
		Media: Media{
			ListenIP:         "0.0.0.0",
			SpeakerThreshold: -70,
			SpeakerInterval:  800 * time.Millisecond,
			SpeakingHoldOff:  800 * time.Millisecond,
			ICETimeout:       20 * time.Second,
		},
		Signaling: Signaling{
			RequestTimeout: 10 * time.Second,
		},
	}
}

func (c *Config) applyEnv() {
	setString(&c.ServerSecret, "SERVER_SECRET")
	setString(&c.AdminSecret, "ADMIN_SECRET")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Media.ListenIP, "MEDIA_LISTEN_IP")
	setString(&c.Media.AnnouncedIP, "MEDIA_ANNOUNCED_IP")
	setPort(&c.Media.PortMin, "MEDIA_PORT_MIN")
	setPort(&c.Media.PortMax, "MEDIA_PORT_MAX")
	setString(&c.Telemetry.OTLPHost, "TELEMETRY_OTLP_HOST")

	if value := os.Getenv("SIGNALING_PORT"); value != "" {
		if port, err := strconv.Atoi(value); err == nil && port > 0 && port < 65536 {
			c.SignalingPort = port
		} else {
			logrus.WithField("value", value).Warn("ignoring invalid SIGNALING_PORT")
		}
	}
}

func setString(target *string, name string) {
	if value := os.Getenv(name); value != "" {
		*target = value
	}
}

func setPort(target *uint16, name string) {
	value := os.Getenv(name)
	if value == "" {
		return
	}

	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		logrus.WithField("value", value).Warnf("ignoring invalid %s", name)
		return
	}

	*target = uint16(port)
}

// LogrusLevel maps the configured level name onto a logrus level,
// defaulting to info for unknown names.
func (c *Config) LogrusLevel() logrus.Level {
	switch c.LogLevel {
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}
