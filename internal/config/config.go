package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

const envPrefix = "VOICE"

type Config struct {
	Mode      string `mapstructure:"mode"`
	LogLevel  string `mapstructure:"log_level"`
	SignalURL string `mapstructure:"signal_url"`
	RoomID    string `mapstructure:"room_id"`
	RecordDir string `mapstructure:"record_dir"`

	User        User        `mapstructure:"user"`
	ICEServers  []ICEServer `mapstructure:"ice_servers"`
	HTTP        HTTP        `mapstructure:"http"`
	Signal      Signal      `mapstructure:"signal"`
	Media       Media       `mapstructure:"media"`
	Speaking    Speaking    `mapstructure:"speaking"`
	Negotiation Negotiation `mapstructure:"negotiation"`
	Session     Session     `mapstructure:"session"`
}

type User struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Avatar string `mapstructure:"avatar"`
	Admin  bool   `mapstructure:"admin"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type HTTP struct {
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

type Signal struct {
	SendQueue  int           `mapstructure:"send_queue"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type Media struct {
	// Source is "ogg" (play File as the microphone) or "none".
	Source         string        `mapstructure:"source"`
	File           string        `mapstructure:"file"`
	Loop           bool          `mapstructure:"loop"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
}

type Speaking struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
}

type Negotiation struct {
	GlareRetry time.Duration `mapstructure:"glare_retry"`
}

type Session struct {
	SpeculativeWindow time.Duration `mapstructure:"speculative_window"`
	ChatCapacity      int           `mapstructure:"chat_capacity"`
	ChatLimit         int           `mapstructure:"chat_limit"`
	ChatInterval      time.Duration `mapstructure:"chat_interval"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to dev).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(filepath.Join("config", fmt.Sprintf("config.%s.yaml", env)))
}

// LoadFile reads fileName over the defaults. A missing file leaves the
// defaults in place. VOICE_* variables override both, e.g. VOICE_USER_NAME.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		fmt.Printf("Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room_id", "")
	v.SetDefault("record_dir", "")

	v.SetDefault("user.id", "")
	v.SetDefault("user.name", "")
	v.SetDefault("user.avatar", "")
	v.SetDefault("user.admin", false)

	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("http.port", 8090)
	v.SetDefault("http.secret", "change-me")

	v.SetDefault("signal.send_queue", 64)
	v.SetDefault("signal.read_limit", 1<<20)
	v.SetDefault("signal.ping_period", "54s")

	v.SetDefault("media.source", "ogg")
	v.SetDefault("media.file", "")
	v.SetDefault("media.loop", true)
	v.SetDefault("media.capture_timeout", "10s")

	v.SetDefault("speaking.interval", "250ms")
	v.SetDefault("speaking.threshold", 0.05)

	v.SetDefault("negotiation.glare_retry", "250ms")

	v.SetDefault("session.speculative_window", "5s")
	v.SetDefault("session.chat_capacity", 500)
	v.SetDefault("session.chat_limit", 5)
	v.SetDefault("session.chat_interval", "10s")
}

func (c *Config) Validate() error {
	switch c.Media.Source {
	case "ogg", "none":
	default:
		return fmt.Errorf("media.source: unknown source %q", c.Media.Source)
	}
	if c.Speaking.Threshold < 0 || c.Speaking.Threshold > 1 {
		return fmt.Errorf("speaking.threshold: %v is outside [0,1]", c.Speaking.Threshold)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port: %d is not a port", c.HTTP.Port)
	}
	return nil
}

// LocalUser builds the user this client joins as. An empty id gets a random one.
func (c *Config) LocalUser() (domain.User, error) {
	u, err := domain.NewUser(domain.UserID(c.User.ID), c.User.Name)
	if err != nil {
		return domain.User{}, fmt.Errorf("user: %w", err)
	}
	u.AvatarURL = c.User.Avatar
	u.Admin = c.User.Admin
	return *u, nil
}

func (c *Config) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
