package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures every tunable of the API and worker processes.
// Values come from defaults, an optional config.yaml and environment
// variables, in increasing order of precedence.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	PGDSN      string
	AuditPGDSN string

	NATSURL          string
	BroadcastBackend string

	LogLevel      string
	LogFormat     string
	RunMigrations bool

	JWTSecret string

	StripeKey           string
	StripeWebhookSecret string
	StripeSuccessURL    string
	Currency            string

	OSRMURL         string
	DefaultSpeedMps float64

	PresenceTTL   time.Duration
	SweepInterval time.Duration

	DispatchRadiusMeters float64
	DispatchLimit        int

	EventTTL       time.Duration
	RetryAfter     time.Duration
	PollInterval   time.Duration
	SubscriberTTL  time.Duration
	WSPingInterval time.Duration

	PaymentTimeout       time.Duration
	PaymentRecheck       time.Duration
	FindingDriverTimeout time.Duration
	FindingDriverRecheck time.Duration
	WatchdogMaxRearms    int

	TaskBackend     string
	TaskWorkers     int
	TaskQueueDepth  int
	TaskMaxAttempts int
	TaskRetryDelay  time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	SeenTTL           time.Duration
}

// envBindings maps config keys onto the environment variable names operators set.
var envBindings = map[string]string{
	"http_addr":              "HTTP_ADDR",
	"http_read_timeout":      "HTTP_READ_TIMEOUT",
	"http_write_timeout":     "HTTP_WRITE_TIMEOUT",
	"http_idle_timeout":      "HTTP_IDLE_TIMEOUT",
	"http_shutdown_timeout":  "HTTP_SHUTDOWN_TIMEOUT",
	"redis_addr":             "REDIS_ADDR",
	"redis_password":         "REDIS_PASSWORD",
	"redis_geo_key":          "REDIS_GEO_KEY",
	"kafka_brokers":          "KAFKA_BROKERS",
	"kafka_topic":            "KAFKA_TOPIC",
	"kafka_group_id":         "KAFKA_GROUP_ID",
	"pg_dsn":                 "PG_DSN",
	"audit_pg_dsn":           "AUDIT_PG_DSN",
	"nats_url":               "NATS_URL",
	"broadcast_backend":      "BROADCAST_BACKEND",
	"log_level":              "LOG_LEVEL",
	"log_format":             "LOG_FORMAT",
	"migrate":                "MIGRATE",
	"jwt_secret":             "JWT_SECRET",
	"stripe_key":             "STRIPE_KEY",
	"stripe_webhook_secret":  "STRIPE_WEBHOOK_SECRET",
	"stripe_success_url":     "STRIPE_SUCCESS_URL",
	"currency":               "CURRENCY",
	"osrm_url":               "OSRM_URL",
	"default_speed_mps":      "MATCHER_DEFAULT_SPEED_MPS",
	"presence_ttl":           "PRESENCE_TTL",
	"sweep_interval":         "PRESENCE_SWEEP_INTERVAL",
	"dispatch_radius_meters": "DISPATCH_RADIUS_METERS",
	"dispatch_limit":         "DISPATCH_LIMIT",
	"event_ttl":              "EVENT_TTL",
	"retry_after":            "EVENT_RETRY_AFTER",
	"poll_interval":          "EVENT_POLL_INTERVAL",
	"subscriber_ttl":         "EVENT_SUBSCRIBER_TTL",
	"ws_ping_interval":       "WS_PING_INTERVAL",
	"payment_timeout":        "WATCHDOG_PAYMENT_TIMEOUT",
	"payment_recheck":        "WATCHDOG_PAYMENT_RECHECK",
	"finding_driver_timeout": "WATCHDOG_FINDING_DRIVER_TIMEOUT",
	"finding_driver_recheck": "WATCHDOG_FINDING_DRIVER_RECHECK",
	"watchdog_max_rearms":    "WATCHDOG_MAX_REARMS",
	"task_backend":           "TASK_BACKEND",
	"task_workers":           "TASK_WORKERS",
	"task_queue_depth":       "TASK_QUEUE_DEPTH",
	"task_max_attempts":      "TASK_MAX_ATTEMPTS",
	"task_retry_delay":       "TASK_RETRY_DELAY",
	"heartbeat_interval":     "SCHEDULER_HEARTBEAT_INTERVAL",
	"heartbeat_ttl":          "SCHEDULER_HEARTBEAT_TTL",
	"seen_ttl":               "WEBHOOK_SEEN_TTL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_read_timeout", 5*time.Second)
	v.SetDefault("http_write_timeout", 10*time.Second)
	v.SetDefault("http_idle_timeout", 120*time.Second)
	v.SetDefault("http_shutdown_timeout", 15*time.Second)
	v.SetDefault("redis_geo_key", "drivers_geo")
	v.SetDefault("kafka_topic", "ride-tasks")
	v.SetDefault("kafka_group_id", "ride-dispatch-worker")
	v.SetDefault("broadcast_backend", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("stripe_success_url", "http://localhost:8080/payment/success")
	v.SetDefault("currency", "usd")
	v.SetDefault("default_speed_mps", 10.0)
	v.SetDefault("presence_ttl", 120*time.Second)
	v.SetDefault("sweep_interval", 180*time.Second)
	v.SetDefault("dispatch_radius_meters", 5000.0)
	v.SetDefault("dispatch_limit", 50)
	v.SetDefault("event_ttl", 24*time.Hour)
	v.SetDefault("retry_after", 5*time.Second)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("subscriber_ttl", 90*time.Second)
	v.SetDefault("ws_ping_interval", 25*time.Second)
	v.SetDefault("payment_timeout", 200*time.Second)
	v.SetDefault("payment_recheck", 240*time.Second)
	v.SetDefault("finding_driver_timeout", 300*time.Second)
	v.SetDefault("finding_driver_recheck", 240*time.Second)
	v.SetDefault("watchdog_max_rearms", 30)
	v.SetDefault("task_backend", "local")
	v.SetDefault("task_workers", 4)
	v.SetDefault("task_queue_depth", 256)
	v.SetDefault("task_max_attempts", 3)
	v.SetDefault("task_retry_delay", 500*time.Millisecond)
	v.SetDefault("heartbeat_interval", 105*time.Second)
	v.SetDefault("heartbeat_ttl", 60*time.Second)
	v.SetDefault("seen_ttl", 7*24*time.Hour)
}

// LoadServerConfig reads the configuration and validates it, reporting every
// problem at once.
func LoadServerConfig() (ServerConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return ServerConfig{}, fmt.Errorf("read config file: %w", err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return ServerConfig{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddr:        strings.TrimSpace(v.GetString("http_addr")),
		ReadTimeout:     v.GetDuration("http_read_timeout"),
		WriteTimeout:    v.GetDuration("http_write_timeout"),
		IdleTimeout:     v.GetDuration("http_idle_timeout"),
		ShutdownTimeout: v.GetDuration("http_shutdown_timeout"),

		RedisAddr:     strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword: v.GetString("redis_password"),
		RedisGeoKey:   v.GetString("redis_geo_key"),

		KafkaBrokers: splitAndTrim(v.GetString("kafka_brokers")),
		KafkaTopic:   v.GetString("kafka_topic"),
		KafkaGroupID: v.GetString("kafka_group_id"),

		PGDSN:      v.GetString("pg_dsn"),
		AuditPGDSN: v.GetString("audit_pg_dsn"),

		NATSURL:          strings.TrimSpace(v.GetString("nats_url")),
		BroadcastBackend: strings.ToLower(strings.TrimSpace(v.GetString("broadcast_backend"))),

		LogLevel:      strings.ToLower(v.GetString("log_level")),
		LogFormat:     strings.ToLower(v.GetString("log_format")),
		RunMigrations: v.GetBool("migrate"),

		JWTSecret: v.GetString("jwt_secret"),

		StripeKey:           v.GetString("stripe_key"),
		StripeWebhookSecret: v.GetString("stripe_webhook_secret"),
		StripeSuccessURL:    v.GetString("stripe_success_url"),
		Currency:            strings.ToLower(v.GetString("currency")),

		OSRMURL:         strings.TrimSpace(v.GetString("osrm_url")),
		DefaultSpeedMps: v.GetFloat64("default_speed_mps"),

		PresenceTTL:   v.GetDuration("presence_ttl"),
		SweepInterval: v.GetDuration("sweep_interval"),

		DispatchRadiusMeters: v.GetFloat64("dispatch_radius_meters"),
		DispatchLimit:        v.GetInt("dispatch_limit"),

		EventTTL:       v.GetDuration("event_ttl"),
		RetryAfter:     v.GetDuration("retry_after"),
		PollInterval:   v.GetDuration("poll_interval"),
		SubscriberTTL:  v.GetDuration("subscriber_ttl"),
		WSPingInterval: v.GetDuration("ws_ping_interval"),

		PaymentTimeout:       v.GetDuration("payment_timeout"),
		PaymentRecheck:       v.GetDuration("payment_recheck"),
		FindingDriverTimeout: v.GetDuration("finding_driver_timeout"),
		FindingDriverRecheck: v.GetDuration("finding_driver_recheck"),
		WatchdogMaxRearms:    v.GetInt("watchdog_max_rearms"),

		TaskBackend:     strings.ToLower(strings.TrimSpace(v.GetString("task_backend"))),
		TaskWorkers:     v.GetInt("task_workers"),
		TaskQueueDepth:  v.GetInt("task_queue_depth"),
		TaskMaxAttempts: v.GetInt("task_max_attempts"),
		TaskRetryDelay:  v.GetDuration("task_retry_delay"),

		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		HeartbeatTTL:      v.GetDuration("heartbeat_ttl"),
		SeenTTL:           v.GetDuration("seen_ttl"),
	}
	return cfg, cfg.Validate()
}

// Validate aggregates every configuration problem with errors.Join.
func (c ServerConfig) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"PRESENCE_TTL":                    c.PresenceTTL,
		"PRESENCE_SWEEP_INTERVAL":         c.SweepInterval,
		"EVENT_TTL":                       c.EventTTL,
		"EVENT_RETRY_AFTER":               c.RetryAfter,
		"EVENT_POLL_INTERVAL":             c.PollInterval,
		"WATCHDOG_PAYMENT_TIMEOUT":        c.PaymentTimeout,
		"WATCHDOG_PAYMENT_RECHECK":        c.PaymentRecheck,
		"WATCHDOG_FINDING_DRIVER_TIMEOUT": c.FindingDriverTimeout,
		"WATCHDOG_FINDING_DRIVER_RECHECK": c.FindingDriverRecheck,
		"SCHEDULER_HEARTBEAT_INTERVAL":    c.HeartbeatInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.DispatchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}
	if c.DispatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_LIMIT must be > 0"))
	}
	if c.WatchdogMaxRearms <= 0 {
		errs = append(errs, fmt.Errorf("WATCHDOG_MAX_REARMS must be > 0"))
	}
	if c.TaskWorkers <= 0 || c.TaskQueueDepth <= 0 || c.TaskMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("TASK_WORKERS, TASK_QUEUE_DEPTH and TASK_MAX_ATTEMPTS must be > 0"))
	}

	switch c.TaskBackend {
	case "local":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("TASK_BACKEND=kafka requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TASK_BACKEND %q", c.TaskBackend))
	}

	switch c.BroadcastBackend {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("BROADCAST_BACKEND=redis requires REDIS_ADDR"))
		}
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, fmt.Errorf("BROADCAST_BACKEND=nats requires NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BROADCAST_BACKEND %q", c.BroadcastBackend))
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text"))
	}

	return errors.Join(errs...)
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
