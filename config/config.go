package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendSQLite   = "sqlite"
	BackendAzTables = "aztables"
)

// Config holds the server settings read from the environment.
type Config struct {
	ListenAddr string
	Debug      bool
	LogFormat  string

	Backend          string
	SQLitePath       string
	ConnString       string
	TasksTable       string
	UsersTable       string
	SessionsTable    string
	StorageAutoInit  bool
	EventsQueue      string
	RedisConnString  string
	CacheTTL         time.Duration
	DedupeTTL        time.Duration
	UpdatesChannel   string
	SessionSecret    string
	SessionTTL       time.Duration
	SecureCookies    bool
	JWKSURL          string
	Audience         string
	Issuer           string
	JWKSCacheTTL     time.Duration
	PublishWorkers   int
	PublishBuffer    int
	PublishTimeout   time.Duration
	HandoffTimeout   time.Duration
	ShutdownTimeout  time.Duration
	MaxRequestBytes  int64
	StreamKeepAlive  time.Duration
	AllowedOrigins   []string
	TracingServiceID string
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	c := Config{
		ListenAddr:       p.str("LISTEN_ADDR", ":8080"),
		Debug:            p.boolean("DEBUG"),
		LogFormat:        strings.ToLower(p.str("LOG_FORMAT", "text")),
		Backend:          strings.ToLower(p.str("STORAGE_BACKEND", BackendSQLite)),
		SQLitePath:       p.str("SQLITE_PATH", "taskboard.db"),
		ConnString:       getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:       p.str("TASKS_TABLE", "Tasks"),
		UsersTable:       p.str("USERS_TABLE", "Users"),
		SessionsTable:    p.str("SESSIONS_TABLE", "Sessions"),
		StorageAutoInit:  p.boolean("STORAGE_AUTO_INIT"),
		EventsQueue:      getenv("EVENTS_QUEUE"),
		RedisConnString:  getenv("REDIS_CONNECTION_STRING"),
		CacheTTL:         p.dur("CACHE_TTL", 10*time.Minute),
		DedupeTTL:        p.dur("DEDUPE_TTL", 24*time.Hour),
		UpdatesChannel:   p.str("UPDATES_CHANNEL", "task-updates"),
		SessionSecret:    getenv("SESSION_SECRET"),
		SessionTTL:       p.dur("SESSION_TTL", 30*24*time.Hour),
		SecureCookies:    p.boolean("SECURE_COOKIES"),
		JWKSURL:          getenv("AUTH_JWKS_URL"),
		Audience:         getenv("AUTH_AUDIENCE"),
		Issuer:           getenv("AUTH_ISSUER"),
		JWKSCacheTTL:     p.dur("JWKS_CACHE_TTL", 15*time.Minute),
		PublishWorkers:   p.num("PUBLISH_WORKERS", 4),
		PublishBuffer:    p.num("PUBLISH_BUFFER", 1024),
		PublishTimeout:   p.dur("PUBLISH_TIMEOUT", 30*time.Second),
		HandoffTimeout:   p.dur("PUBLISH_HANDOFF_TIMEOUT", 25*time.Millisecond),
		ShutdownTimeout:  p.dur("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBytes:  int64(p.num("MAX_REQUEST_BYTES", 64<<10)),
		StreamKeepAlive:  p.dur("STREAM_KEEPALIVE", 25*time.Second),
		AllowedOrigins:   p.list("ALLOWED_ORIGINS", []string{"*"}),
		TracingServiceID: p.str("OTEL_SERVICE_NAME", "taskboard"),
	}
	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH must be set for the sqlite backend")
		}
	case BackendAzTables:
		if c.ConnString == "" {
			return errors.New("missing storage config: STORAGE_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q", c.Backend)
	}
	if c.EventsQueue != "" && c.ConnString == "" {
		return errors.New("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if len(c.SessionSecret) < 32 {
		return errors.New("SESSION_SECRET must be at least 32 bytes")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) boolean(key string) bool {
	v := p.getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	return b
}

func (p *parser) num(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	if n <= 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: must be greater than zero", key))
		return def
	}
	return n
}

func (p *parser) dur(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	if d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: must be greater than zero", key))
		return def
	}
	return d
}

func (p *parser) list(key string, def []string) []string {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// RedisOptions parses either a redis:// URL or the
// "host:port,password=...,ssl=true" form used by Azure Cache for Redis.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.Contains(parts[0], "://") || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
