// Package config loads polisvault configuration from yaml files and
// environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration for the polisvault service.
type Config struct {
	LogLevel  string          `yaml:"log_level" mapstructure:"log_level"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Consensus ConsensusConfig `yaml:"consensus" mapstructure:"consensus"`
	Vault     VaultConfig     `yaml:"vault" mapstructure:"vault"`
	Waterfall WaterfallConfig `yaml:"waterfall" mapstructure:"waterfall"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	JWTSecret       string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DatabaseConfig configures the gorm connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the valuation snapshot cache. Disabled when Addr is
// empty.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// KafkaConfig configures the position event publisher. Disabled when Brokers
// is empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ConsensusConfig holds the valuation consensus parameters. All ratio values
// are basis points (parts-per-10,000).
type ConsensusConfig struct {
	MinQuorum             int           `yaml:"min_quorum" mapstructure:"min_quorum"`
	MaxDeviationBps       int64         `yaml:"max_deviation_bps" mapstructure:"max_deviation_bps"`
	AgreementThresholdBps int64         `yaml:"agreement_threshold_bps" mapstructure:"agreement_threshold_bps"`
	ReputationRewardBps   int64         `yaml:"reputation_reward_bps" mapstructure:"reputation_reward_bps"`
	ReputationPenaltyBps  int64         `yaml:"reputation_penalty_bps" mapstructure:"reputation_penalty_bps"`
	ReputationFloorBps    int64         `yaml:"reputation_floor_bps" mapstructure:"reputation_floor_bps"`
	InitialReputationBps  int64         `yaml:"initial_reputation_bps" mapstructure:"initial_reputation_bps"`
	SubmissionReward      string        `yaml:"submission_reward" mapstructure:"submission_reward"`
	MinStake              string        `yaml:"min_stake" mapstructure:"min_stake"`
	StalenessBound        time.Duration `yaml:"staleness_bound" mapstructure:"staleness_bound"`
}

// SubmissionRewardAmount parses the configured per-submission reward.
func (c ConsensusConfig) SubmissionRewardAmount() decimal.Decimal {
	return mustDecimal(c.SubmissionReward)
}

// MinStakeAmount parses the configured minimum attestor stake.
func (c ConsensusConfig) MinStakeAmount() decimal.Decimal {
	return mustDecimal(c.MinStake)
}

// VaultConfig holds the collateral risk parameters in basis points.
type VaultConfig struct {
	MaxLTVBps               int64 `yaml:"max_ltv_bps" mapstructure:"max_ltv_bps"`
	LiquidationThresholdBps int64 `yaml:"liquidation_threshold_bps" mapstructure:"liquidation_threshold_bps"`
	ConcentrationCapBps     int64 `yaml:"concentration_cap_bps" mapstructure:"concentration_cap_bps"`
	// ConcentrationFloor is the minimum pool size (collateral value) the cap
	// denominator is measured against, so a nearly empty pool can still be
	// bootstrapped by its first issuers.
	ConcentrationFloor    string `yaml:"concentration_floor" mapstructure:"concentration_floor"`
	LiquidationPenaltyBps int64  `yaml:"liquidation_penalty_bps" mapstructure:"liquidation_penalty_bps"`
	CallerShareBps        int64  `yaml:"caller_share_bps" mapstructure:"caller_share_bps"`
}

// ConcentrationFloorAmount parses the configured denominator floor.
func (c VaultConfig) ConcentrationFloorAmount() decimal.Decimal {
	return mustDecimal(c.ConcentrationFloor)
}

// WaterfallConfig holds the tranche allocation parameters in basis points.
type WaterfallConfig struct {
	SeniorMinRateBps      int64 `yaml:"senior_min_rate_bps" mapstructure:"senior_min_rate_bps"`
	ProtectionFractionBps int64 `yaml:"protection_fraction_bps" mapstructure:"protection_fraction_bps"`
	JuniorMaxRateBps      int64 `yaml:"junior_max_rate_bps" mapstructure:"junior_max_rate_bps"`
}

// LoadConfig reads configuration from the optional file at path (or
// ./config.yaml) with POLISVAULT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("POLISVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects parameter combinations the engines cannot operate under.
func (c *Config) Validate() error {
	if c.Consensus.MinQuorum < 1 {
		return fmt.Errorf("consensus.min_quorum must be >= 1")
	}
	if c.Consensus.AgreementThresholdBps <= 0 || c.Consensus.AgreementThresholdBps > 10000 {
		return fmt.Errorf("consensus.agreement_threshold_bps must be in (0, 10000]")
	}
	if c.Vault.LiquidationThresholdBps <= c.Vault.MaxLTVBps {
		return fmt.Errorf("vault.liquidation_threshold_bps must be strictly above max_ltv_bps")
	}
	if c.Vault.ConcentrationCapBps <= 0 || c.Vault.ConcentrationCapBps > 10000 {
		return fmt.Errorf("vault.concentration_cap_bps must be in (0, 10000]")
	}
	if c.Vault.CallerShareBps > 10000 {
		return fmt.Errorf("vault.caller_share_bps must be <= 10000")
	}
	if c.Waterfall.ProtectionFractionBps > 10000 {
		return fmt.Errorf("waterfall.protection_fraction_bps must be <= 10000")
	}
	if _, err := decimal.NewFromString(c.Consensus.SubmissionReward); err != nil {
		return fmt.Errorf("consensus.submission_reward: %w", err)
	}
	if _, err := decimal.NewFromString(c.Consensus.MinStake); err != nil {
		return fmt.Errorf("consensus.min_stake: %w", err)
	}
	if _, err := decimal.NewFromString(c.Vault.ConcentrationFloor); err != nil {
		return fmt.Errorf("vault.concentration_floor: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("kafka.topic", "polisvault.position-events")

	v.SetDefault("consensus.min_quorum", 3)
	v.SetDefault("consensus.max_deviation_bps", 500)
	v.SetDefault("consensus.agreement_threshold_bps", 6000)
	v.SetDefault("consensus.reputation_reward_bps", 100)
	v.SetDefault("consensus.reputation_penalty_bps", 500)
	v.SetDefault("consensus.reputation_floor_bps", 2500)
	v.SetDefault("consensus.initial_reputation_bps", 5000)
	v.SetDefault("consensus.submission_reward", "1")
	v.SetDefault("consensus.min_stake", "1000")
	v.SetDefault("consensus.staleness_bound", 24*time.Hour)

	v.SetDefault("vault.max_ltv_bps", 8000)
	v.SetDefault("vault.liquidation_threshold_bps", 9000)
	v.SetDefault("vault.concentration_cap_bps", 2500)
	v.SetDefault("vault.concentration_floor", "10000")
	v.SetDefault("vault.liquidation_penalty_bps", 500)
	v.SetDefault("vault.caller_share_bps", 4000)

	v.SetDefault("waterfall.senior_min_rate_bps", 300)
	v.SetDefault("waterfall.protection_fraction_bps", 7000)
	v.SetDefault("waterfall.junior_max_rate_bps", 2000)
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
