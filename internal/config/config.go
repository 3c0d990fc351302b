// Package config loads tillguard configuration from an optional YAML file,
// a .env file and TILLGUARD_ environment variables using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/tillguard/internal/anomaly"
	"github.com/roach88/tillguard/internal/logging"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/seal"
	"github.com/roach88/tillguard/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. TILLGUARD_EDGE_DEVICE_ID.
const EnvPrefix = "TILLGUARD"

// Mode selects which sections must be complete.
type Mode string

const (
	ModeServer Mode = "server"
	ModeEdge   Mode = "edge"
)

// Config is the full process configuration.
type Config struct {
	Log       logging.Config   `mapstructure:"log"`
	Server    ServerConfig     `mapstructure:"server"`
	Edge      EdgeConfig       `mapstructure:"edge"`
	Security  SecurityConfig   `mapstructure:"security"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Anomaly   AnomalyConfig    `mapstructure:"anomaly"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`

	v *viper.Viper
}

// ServerConfig configures the central event store service.
type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Encryption struct {
		// MasterKey is base64 encoded, at least 32 bytes decoded.
		MasterKey     string   `mapstructure:"master_key"`
		KeyID         string   `mapstructure:"key_id"`
		RetiredKeyIDs []string `mapstructure:"retired_key_ids"`
	} `mapstructure:"encryption"`
	Auth AuthConfig `mapstructure:"auth"`
	// PushRate is the sustained push requests per second allowed per device.
	PushRate  float64 `mapstructure:"push_rate"`
	PushBurst int     `mapstructure:"push_burst"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// EdgeConfig configures a checkout device.
type EdgeConfig struct {
	DeviceID     string        `mapstructure:"device_id"`
	BranchID     string        `mapstructure:"branch_id"`
	DBPath       string        `mapstructure:"db_path"`
	ServerURL    string        `mapstructure:"server_url"`
	Token        string        `mapstructure:"token"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Addr         string        `mapstructure:"addr"`
	Auth         AuthConfig    `mapstructure:"auth"`
}

// SecurityConfig configures the transaction guard.
type SecurityConfig struct {
	ToleranceBps       int64         `mapstructure:"tolerance_bps"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// RiskConfig mirrors risk.Config with string keyed weights.
type RiskConfig struct {
	Weights        map[string]int `mapstructure:"weights"`
	SynergyBonus   int            `mapstructure:"synergy_bonus"`
	Threshold      int            `mapstructure:"threshold"`
	Window         time.Duration  `mapstructure:"window"`
	PrivilegedRole string         `mapstructure:"privileged_role"`
}

// AnomalyConfig mirrors anomaly.Config.
type AnomalyConfig struct {
	MaxSessionVoids    int64 `mapstructure:"max_session_voids"`
	MaxDailyRefunds    int64 `mapstructure:"max_daily_refunds"`
	MaxDailyDiscount   int64 `mapstructure:"max_daily_discount"`
	MaxDailyVoidAmount int64 `mapstructure:"max_daily_void_amount"`
	CriticalSeverity   int   `mapstructure:"critical_severity"`
}

// KafkaConfig configures the alert and anchoring producers. No brokers
// disables both.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	AlertTopic  string   `mapstructure:"alert_topic"`
	AnchorTopic string   `mapstructure:"anchor_topic"`
}

// Load reads .env (if present), the YAML file at path (if non-empty) and
// the environment. Environment variables override the file, which
// overrides defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validateCommon(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.database.driver", "sqlite3")
	v.SetDefault("server.database.dsn", "tillguard-server.db")
	v.SetDefault("server.encryption.master_key", "")
	v.SetDefault("server.encryption.key_id", "k1")
	v.SetDefault("server.encryption.retired_key_ids", []string{})
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.issuer", "tillguard")
	v.SetDefault("server.push_rate", 5.0)
	v.SetDefault("server.push_burst", 10)

	v.SetDefault("edge.device_id", "")
	v.SetDefault("edge.branch_id", "")
	v.SetDefault("edge.db_path", "tillguard-edge.db")
	v.SetDefault("edge.server_url", "")
	v.SetDefault("edge.token", "")
	v.SetDefault("edge.sync_interval", 30*time.Second)
	v.SetDefault("edge.batch_size", 50)
	v.SetDefault("edge.addr", ":8081")
	v.SetDefault("edge.auth.jwt_secret", "")
	v.SetDefault("edge.auth.issuer", "tillguard")

	v.SetDefault("security.tolerance_bps", 500)
	v.SetDefault("security.transaction_timeout", 30*time.Minute)
	v.SetDefault("security.sweep_interval", time.Minute)

	defaults := risk.DefaultConfig()
	for _, class := range risk.Classes() {
		v.SetDefault("risk.weights."+string(class), defaults.Weights[class])
	}
	v.SetDefault("risk.synergy_bonus", defaults.SynergyBonus)
	v.SetDefault("risk.threshold", defaults.Threshold)
	v.SetDefault("risk.window", defaults.Window)
	v.SetDefault("risk.privileged_role", defaults.PrivilegedRole)

	ad := anomaly.DefaultConfig()
	v.SetDefault("anomaly.max_session_voids", ad.MaxSessionVoids)
	v.SetDefault("anomaly.max_daily_refunds", ad.MaxDailyRefunds)
	v.SetDefault("anomaly.max_daily_discount", ad.MaxDailyDiscount)
	v.SetDefault("anomaly.max_daily_void_amount", ad.MaxDailyVoidAmount)
	v.SetDefault("anomaly.critical_severity", ad.CriticalSeverity)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.alert_topic", "tillguard.alerts")
	v.SetDefault("kafka.anchor_topic", "tillguard.anchor")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "tillguard")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.interval", 30*time.Second)
}

func (c *Config) validateCommon() error {
	if _, err := c.RiskConfig(); err != nil {
		return err
	}
	if err := c.AnomalyConfig().Validate(); err != nil {
		return fmt.Errorf("config: anomaly: %w", err)
	}
	if c.Security.ToleranceBps <= 0 {
		return fmt.Errorf("config: security.tolerance_bps must be positive, got %d", c.Security.ToleranceBps)
	}
	if c.Security.TransactionTimeout <= 0 {
		return errors.New("config: security.transaction_timeout must be positive")
	}
	if c.Edge.BatchSize <= 0 {
		return fmt.Errorf("config: edge.batch_size must be positive, got %d", c.Edge.BatchSize)
	}
	return nil
}

// Validate checks the sections mode needs.
func (c *Config) Validate(mode Mode) error {
	switch mode {
	case ModeServer:
		if _, err := c.Keyring(); err != nil {
			return err
		}
		if c.Server.Auth.JWTSecret == "" {
			return errors.New("config: server.auth.jwt_secret must be set")
		}
		switch c.Server.Database.Driver {
		case "sqlite3", "pgx":
		default:
			return fmt.Errorf("config: server.database.driver must be sqlite3 or pgx, got %q", c.Server.Database.Driver)
		}
	case ModeEdge:
		if c.Edge.DeviceID == "" {
			return errors.New("config: edge.device_id must be set")
		}
		if c.Edge.DBPath == "" {
			return errors.New("config: edge.db_path must be set")
		}
	}
	return nil
}

// RiskConfig converts the risk section, rejecting unknown detector classes.
func (c *Config) RiskConfig() (risk.Config, error) {
	out := risk.Config{
		Weights:        make(map[risk.Class]int, len(c.Risk.Weights)),
		SynergyBonus:   c.Risk.SynergyBonus,
		Threshold:      c.Risk.Threshold,
		Window:         c.Risk.Window,
		PrivilegedRole: c.Risk.PrivilegedRole,
	}
	known := make(map[string]bool)
	for _, class := range risk.Classes() {
		known[string(class)] = true
	}
	for name, w := range c.Risk.Weights {
		if !known[name] {
			return risk.Config{}, fmt.Errorf("config: risk.weights: unknown detector class %q", name)
		}
		out.Weights[risk.Class(name)] = w
	}
	if err := out.Validate(); err != nil {
		return risk.Config{}, fmt.Errorf("config: risk: %w", err)
	}
	return out, nil
}

// AnomalyConfig converts the anomaly section.
func (c *Config) AnomalyConfig() anomaly.Config {
	return anomaly.Config{
		MaxSessionVoids:    c.Anomaly.MaxSessionVoids,
		MaxDailyRefunds:    c.Anomaly.MaxDailyRefunds,
		MaxDailyDiscount:   c.Anomaly.MaxDailyDiscount,
		MaxDailyVoidAmount: c.Anomaly.MaxDailyVoidAmount,
		CriticalSeverity:   c.Anomaly.CriticalSeverity,
	}
}

// Keyring decodes the master key and builds the sealing keyring.
func (c *Config) Keyring() (seal.Keyring, error) {
	enc := c.Server.Encryption
	if enc.MasterKey == "" {
		return seal.Keyring{}, errors.New("config: server.encryption.master_key must be set")
	}
	master, err := base64.StdEncoding.DecodeString(enc.MasterKey)
	if err != nil {
		return seal.Keyring{}, fmt.Errorf("config: server.encryption.master_key is not base64: %w", err)
	}
	kr, err := seal.NewKeyring(master, enc.KeyID, enc.RetiredKeyIDs...)
	if err != nil {
		return seal.Keyring{}, fmt.Errorf("config: %w", err)
	}
	return kr, nil
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	for _, b := range c.Kafka.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}
