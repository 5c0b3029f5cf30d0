package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Router        RouterConfig        `mapstructure:"router"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

// GatewayConfig holds the Daraja STK-push credentials. Env is either
// "sandbox" or "production"; the base URL is derived from it.
type GatewayConfig struct {
	Env            string        `mapstructure:"env"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
	Shortcode      string        `mapstructure:"shortcode"`
	Passkey        string        `mapstructure:"passkey"`
	CallbackURL    string        `mapstructure:"callback_url"`
	TimeoutURL     string        `mapstructure:"timeout_url"`
	AccountRef     string        `mapstructure:"account_ref"`
	TxDescription  string        `mapstructure:"tx_description"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RouterConfig configures the MikroTik enforcement adapters. Enabled is the
// master switch: when false every router call returns a skipped result.
type RouterConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	DryRun  bool             `mapstructure:"dry_run"`
	Hotspot RouterConnConfig `mapstructure:"hotspot"`
	PPPoE   RouterConnConfig `mapstructure:"pppoe"`
}

type RouterConnConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (c RouterConnConfig) Address() string {
	port := c.Port
	if port <= 0 {
		port = 8728
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`

	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	ReconcileGracePeriod time.Duration `mapstructure:"reconcile_grace_period"`
	ReconcileHardCutoff  time.Duration `mapstructure:"reconcile_hard_cutoff"`
	ReconcileMaxAttempts int           `mapstructure:"reconcile_max_attempts"`

	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SweepMaxAttempts int           `mapstructure:"sweep_max_attempts"`

	BatchLimit int `mapstructure:"batch_limit"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds the config from environment variables only.
// Used for container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", ""),
			ReadHeaderTimeout: getEnvAsDuration("SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Gateway: GatewayConfig{
			Env:            getEnv("MPESA_ENV", "sandbox"),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			Shortcode:      getEnv("MPESA_SHORTCODE", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
			TimeoutURL:     getEnv("MPESA_TIMEOUT_URL", ""),
			AccountRef:     getEnv("MPESA_ACCOUNT_REF", "DmpolinConnect"),
			TxDescription:  getEnv("MPESA_TX_DESC", "Internet subscription"),
			RequestTimeout: getEnvAsDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
		},
		Router: RouterConfig{
			Enabled: getEnvAsBool("ROUTER_AGENT_ENABLED", false),
			DryRun:  getEnvAsBool("ROUTER_AUTOMATION_DRY_RUN", true),
			Hotspot: RouterConnConfig{
				Host:     getEnv("MIKROTIK_HOTSPOT_HOST", ""),
				Port:     getEnvAsInt("MIKROTIK_HOTSPOT_PORT", 8728),
				Username: getEnv("MIKROTIK_HOTSPOT_USER", ""),
				Password: getEnv("MIKROTIK_HOTSPOT_PASS", ""),
				Timeout:  getEnvAsDuration("MIKROTIK_HOTSPOT_TIMEOUT", 10*time.Second),
			},
			PPPoE: RouterConnConfig{
				Host:     getEnv("MIKROTIK_PPPOE_HOST", ""),
				Port:     getEnvAsInt("MIKROTIK_PPPOE_PORT", 8728),
				Username: getEnv("MIKROTIK_PPPOE_USER", ""),
				Password: getEnv("MIKROTIK_PPPOE_PASS", ""),
				Timeout:  getEnvAsDuration("MIKROTIK_PPPOE_TIMEOUT", 10*time.Second),
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:              getEnvAsBool("SCHEDULER_ENABLED", true),
			ExpiryInterval:       getEnvAsDuration("SCHEDULER_EXPIRY_INTERVAL", 2*time.Minute),
			ReconcileInterval:    getEnvAsDuration("SCHEDULER_RECONCILE_INTERVAL", 2*time.Minute),
			ReconcileGracePeriod: getEnvAsDuration("SCHEDULER_RECONCILE_GRACE_PERIOD", 2*time.Minute),
			ReconcileHardCutoff:  getEnvAsDuration("SCHEDULER_RECONCILE_HARD_CUTOFF", 24*time.Hour),
			ReconcileMaxAttempts: getEnvAsInt("SCHEDULER_RECONCILE_MAX_ATTEMPTS", 10),
			SweepInterval:        getEnvAsDuration("SCHEDULER_SWEEP_INTERVAL", 2*time.Minute),
			SweepMaxAttempts:     getEnvAsInt("SCHEDULER_SWEEP_MAX_ATTEMPTS", 5),
			BatchLimit:           getEnvAsInt("SCHEDULER_BATCH_LIMIT", 100),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Router.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("router config: %v", err))
	}

	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewayConfig) Validate() error {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	if env != "sandbox" && env != "production" {
		return errors.New("env must be 'sandbox' or 'production'")
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return errors.New("consumer_key and consumer_secret are required")
	}
	if c.Shortcode == "" || c.Passkey == "" {
		return errors.New("shortcode and passkey are required")
	}
	if env == "production" {
		if c.CallbackURL == "" {
			return errors.New("callback_url is required in production")
		}
		if _, err := url.Parse(c.CallbackURL); err != nil {
			return fmt.Errorf("invalid callback_url: %w", err)
		}
	}
	return nil
}

// BaseURL derives the Daraja API host from the configured environment.
func (c *GatewayConfig) BaseURL() string {
	if strings.ToLower(strings.TrimSpace(c.Env)) == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

func (c *RouterConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Hotspot.Host == "" && c.PPPoE.Host == "" {
		return errors.New("router enabled but no hotspot or pppoe host configured")
	}
	var missing []string
	if c.Hotspot.Host != "" && c.Hotspot.Username == "" {
		missing = append(missing, "hotspot.username")
	}
	if c.PPPoE.Host != "" && c.PPPoE.Username == "" {
		missing = append(missing, "pppoe.username")
	}
	if len(missing) > 0 {
		return fmt.Errorf("router enabled but missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *SchedulerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ReconcileGracePeriod >= c.ReconcileHardCutoff {
		return errors.New("reconcile_grace_period must be shorter than reconcile_hard_cutoff")
	}
	if c.ReconcileMaxAttempts <= 0 || c.SweepMaxAttempts <= 0 {
		return errors.New("attempt caps must be positive")
	}
	return nil
}
