package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"chatline/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"CHATLINE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"CHATLINE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHATLINE_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"CHATLINE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"CHATLINE_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"CHATLINE_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"CHATLINE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"CHATLINE_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"CHATLINE_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	DatabaseURL string `env:"CHATLINE_DATABASE_URL"`
	DBMaxConns  int32  `env:"CHATLINE_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"CHATLINE_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"CHATLINE_DB_SCHEMA" envDefault:"chatline"`

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `env:"CHATLINE_READINESS_REQUIRE_DB" envDefault:"false"`

	// UploadsDir holds attachment files removed when their message is deleted.
	UploadsDir string `env:"CHATLINE_UPLOADS_DIR" envDefault:"uploads"`

	// JWTSecret enables identify token verification; empty trusts the claimed user id (dev only).
	JWTSecret string `env:"CHATLINE_JWT_SECRET"`
	JWTIssuer string `env:"CHATLINE_JWT_ISSUER"`

	WSDevInsecure       bool          `env:"CHATLINE_WS_DEV_INSECURE" envDefault:"false"`
	WSOriginRequired    bool          `env:"CHATLINE_WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSAllowedOrigins    []string      `env:"CHATLINE_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSWriteTimeout      time.Duration `env:"CHATLINE_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout   time.Duration `env:"CHATLINE_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSSendQueueSize     int           `env:"CHATLINE_WS_SEND_QUEUE" envDefault:"256"`
	WSHeartbeatInterval time.Duration `env:"CHATLINE_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"CHATLINE_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents        int           `env:"CHATLINE_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow        time.Duration `env:"CHATLINE_WS_RATE_WINDOW" envDefault:"10s"`
	WSTypingEvents      int           `env:"CHATLINE_WS_TYPING_EVENTS" envDefault:"30"`
	WSTypingWindow      time.Duration `env:"CHATLINE_WS_TYPING_WINDOW" envDefault:"10s"`
}

// LoadConfig loads an optional .env file and parses Config from the environment.
// Variables already set in the environment win over .env entries.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parseConfig()
}

func parseConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would fail later in a less obvious place.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: CHATLINE_HTTP_ADDR is empty")
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 {
		return errors.New("config: negative DB pool size")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return errors.New("config: CHATLINE_DB_MIN_CONNS exceeds CHATLINE_DB_MAX_CONNS")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown CHATLINE_LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// GatewayConfig maps the WS settings onto the realtime gateway policy.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	origins := make([]string, 0, len(c.WSAllowedOrigins))
	for _, o := range c.WSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    origins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
		TypingEvents:      c.WSTypingEvents,
		TypingWindow:      c.WSTypingWindow,
	}
}
