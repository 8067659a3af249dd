package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig 保存 REST 接口的访问配置。
type APIConfig struct {
	BaseURL string        `mapstructure:"BASE_URL"`
	Timeout time.Duration `mapstructure:"TIMEOUT"`
}

// Config holds all configuration for the realtime client.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName       string          `mapstructure:"APP_NAME"`
	AppVersion    string          `mapstructure:"APP_VERSION"`
	LogLevel      string          `mapstructure:"LOG_LEVEL"`
	API           APIConfig       `mapstructure:"API"`
	WebSocket     WebSocketConfig `mapstructure:"WEBSOCKET"`
	Reconnect     ReconnectConfig `mapstructure:"RECONNECT"`
	Notifications ReconnectConfig `mapstructure:"NOTIFICATIONS"`
	Heartbeat     HeartbeatConfig `mapstructure:"HEARTBEAT"`
	Messages      MessagesConfig  `mapstructure:"MESSAGES"`
	Presence      PresenceConfig  `mapstructure:"PRESENCE"`
	Call          CallConfig      `mapstructure:"CALL"`
	Database      DatabaseConfig  `mapstructure:"DATABASE"`
	Metrics       MetricsConfig   `mapstructure:"METRICS"`
}

// WebSocketConfig holds configuration for the realtime channel.
type WebSocketConfig struct {
	URL                 string        `mapstructure:"URL"` // ws(s)://host, paths are appended per target
	WriteWaitSeconds    int           `mapstructure:"WRITE_WAIT_SECONDS"`
	MaxMessageSizeBytes int           `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
	HandshakeTimeout    time.Duration `mapstructure:"HANDSHAKE_TIMEOUT"`
	SendBuffer          int           `mapstructure:"SEND_BUFFER"`
	TraceBytes          int64         `mapstructure:"TRACE_BYTES"` // 0 关闭帧追踪
}

// ReconnectConfig 定义指数退避参数。
type ReconnectConfig struct {
	BaseDelay  time.Duration `mapstructure:"BASE_DELAY"`
	MaxDelay   time.Duration `mapstructure:"MAX_DELAY"`
	MaxAttempt int           `mapstructure:"MAX_ATTEMPT"` // attempt counter cap, not a retry limit
}

// HeartbeatConfig holds keep-alive settings. A zero Deadline disables the
// deadline variant.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"INTERVAL"`
	Deadline time.Duration `mapstructure:"DEADLINE"`
}

// MessagesConfig holds message stream settings.
type MessagesConfig struct {
	PageSize              int     `mapstructure:"PAGE_SIZE"`
	MaxContentLength      int     `mapstructure:"MAX_CONTENT_LENGTH"`
	EnsureVisibleMaxPages int     `mapstructure:"ENSURE_VISIBLE_MAX_PAGES"`
	EnsureVisibleRate     int     `mapstructure:"ENSURE_VISIBLE_RATE"` // pages per second
	TypingStartPerSecond  float64 `mapstructure:"TYPING_START_PER_SECOND"`
}

// PresenceConfig holds presence and typing settings.
type PresenceConfig struct {
	TypingIdle      time.Duration `mapstructure:"TYPING_IDLE"`
	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	StaleAfter      time.Duration `mapstructure:"STALE_AFTER"`
	TypingStopDelay time.Duration `mapstructure:"TYPING_STOP_DELAY"`
}

// CallConfig holds call signaling settings.
type CallConfig struct {
	ICEServers []string      `mapstructure:"ICE_SERVERS"`
	RingStep   time.Duration `mapstructure:"RING_STEP"`
}

// DatabaseConfig holds configuration for the local call log database.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"` // "sqlite", "postgres"
	Path     string `mapstructure:"PATH"` // sqlite file
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
}

// MetricsConfig 配置 prometheus 暴露地址，为空则不启动。
type MetricsConfig struct {
	Addr string `mapstructure:"ADDR"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "IM-Realtime")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("API.BASE_URL", "http://localhost:8000/api")
	v.SetDefault("API.TIMEOUT", 15*time.Second)

	v.SetDefault("WEBSOCKET.URL", "ws://localhost:8000")
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 1<<20)
	v.SetDefault("WEBSOCKET.HANDSHAKE_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBSOCKET.SEND_BUFFER", 256)
	v.SetDefault("WEBSOCKET.TRACE_BYTES", 0)

	v.SetDefault("RECONNECT.BASE_DELAY", 1500*time.Millisecond)
	v.SetDefault("RECONNECT.MAX_DELAY", 30*time.Second)
	v.SetDefault("RECONNECT.MAX_ATTEMPT", 8)

	v.SetDefault("NOTIFICATIONS.BASE_DELAY", 1500*time.Millisecond)
	v.SetDefault("NOTIFICATIONS.MAX_DELAY", 20*time.Second)
	v.SetDefault("NOTIFICATIONS.MAX_ATTEMPT", 8)

	v.SetDefault("HEARTBEAT.INTERVAL", 25*time.Second)
	v.SetDefault("HEARTBEAT.DEADLINE", time.Duration(0))

	v.SetDefault("MESSAGES.PAGE_SIZE", 50)
	v.SetDefault("MESSAGES.MAX_CONTENT_LENGTH", 2000)
	v.SetDefault("MESSAGES.ENSURE_VISIBLE_MAX_PAGES", 20)
	v.SetDefault("MESSAGES.ENSURE_VISIBLE_RATE", 4)
	v.SetDefault("MESSAGES.TYPING_START_PER_SECOND", 0.5)

	v.SetDefault("PRESENCE.TYPING_IDLE", 6*time.Second)
	v.SetDefault("PRESENCE.SWEEP_INTERVAL", time.Second)
	v.SetDefault("PRESENCE.STALE_AFTER", 60*time.Second)
	v.SetDefault("PRESENCE.TYPING_STOP_DELAY", 3500*time.Millisecond)

	v.SetDefault("CALL.ICE_SERVERS", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("CALL.RING_STEP", 480*time.Millisecond)

	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.PATH", "./im-realtime.db")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "")
	v.SetDefault("DATABASE.DB_NAME", "im_realtime")
	v.SetDefault("DATABASE.SSL_MODE", "disable")

	v.SetDefault("METRICS.ADDR", "")
}

// Default returns the configuration built from defaults only.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// RECONNECT_BASE_DELAY 覆盖 Reconnect.BaseDelay
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		// 没有配置文件时使用默认值
	}

	err = v.Unmarshal(&config)
	return
}
