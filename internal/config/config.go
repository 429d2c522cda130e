package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gregtusar/sigtrader/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Timezone   string           `mapstructure:"timezone" yaml:"timezone" validate:"required"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Fyers      FyersConfig      `mapstructure:"fyers" yaml:"fyers"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	TokenStore TokenStoreConfig `mapstructure:"token_store" yaml:"token_store"`
	Trading    TradingConfig    `mapstructure:"trading" yaml:"trading"`
	Signal     SignalConfig     `mapstructure:"signal" yaml:"signal"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Ledger     LedgerConfig     `mapstructure:"ledger" yaml:"ledger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Telegram   TelegramConfig   `mapstructure:"telegram" yaml:"telegram"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp" yaml:"gcp"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	WebhookToken string `mapstructure:"webhook_token" yaml:"webhook_token"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"min=1"`
}

// FyersCredentials are only required by commands that talk to the broker.
type FyersCredentials struct {
	ClientID    string `mapstructure:"client_id" yaml:"client_id" validate:"required"`
	SecretKey   string `mapstructure:"secret_key" yaml:"secret_key" validate:"required"`
	FyID        string `mapstructure:"fy_id" yaml:"fy_id" validate:"required"`
	TOTPKey     string `mapstructure:"totp_key" yaml:"totp_key" validate:"required"`
	PIN         string `mapstructure:"pin" yaml:"pin" validate:"required,numeric"`
	RedirectURI string `mapstructure:"redirect_uri" yaml:"redirect_uri" validate:"required,url"`
}

type FyersConfig struct {
	Credentials       FyersCredentials `mapstructure:",squash" yaml:",inline" validate:"-"`
	APIURL            string           `mapstructure:"api_url" yaml:"api_url" validate:"required,url"`
	LoginURL          string           `mapstructure:"login_url" yaml:"login_url" validate:"required,url"`
	PublicURL         string           `mapstructure:"public_url" yaml:"public_url" validate:"required,url"`
	ProductType       string           `mapstructure:"product_type" yaml:"product_type" validate:"oneof=INTRADAY MARGIN CNC"`
	RequestTimeout    time.Duration    `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gt=0"`
	AuthTimeout       time.Duration    `mapstructure:"auth_timeout" yaml:"auth_timeout" validate:"gt=0"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gt=0"`
}

type AuthConfig struct {
	ValidityWindow   time.Duration `mapstructure:"validity_window" yaml:"validity_window" validate:"gt=0"`
	RefreshMargin    time.Duration `mapstructure:"refresh_margin" yaml:"refresh_margin" validate:"gte=0,ltfield=ValidityWindow"`
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout" yaml:"refresh_timeout" validate:"gt=0"`
	RefreshSchedule  string        `mapstructure:"refresh_schedule" yaml:"refresh_schedule"`
	SchedulerEnabled bool          `mapstructure:"scheduler_enabled" yaml:"scheduler_enabled"`
}

type TokenStoreConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend" validate:"oneof=file redis"`
	Path          string `mapstructure:"path" yaml:"path" validate:"required_if=Backend file"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db" validate:"gte=0"`
	RedisKey      string `mapstructure:"redis_key" yaml:"redis_key"`
}

type TradingConfig struct {
	DefaultLotMultiple    int            `mapstructure:"default_lot_multiple" yaml:"default_lot_multiple" validate:"min=1"`
	DefaultLots           map[string]int `mapstructure:"default_lots" yaml:"default_lots" validate:"dive,min=1"`
	ReconcileInterval     time.Duration  `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"gte=0"`
	StaleCatalogThreshold int            `mapstructure:"stale_catalog_threshold" yaml:"stale_catalog_threshold" validate:"min=1"`
}

type SignalConfig struct {
	TriggerKeywords    []string `mapstructure:"trigger_keywords" yaml:"trigger_keywords" validate:"min=1,dive,required"`
	DefaultStrategyTag string   `mapstructure:"default_strategy_tag" yaml:"default_strategy_tag"`
	DefaultExchange    string   `mapstructure:"default_exchange" yaml:"default_exchange" validate:"oneof=NSE BSE MCX"`
}

type CatalogConfig struct {
	CacheDir        string        `mapstructure:"cache_dir" yaml:"cache_dir" validate:"required"`
	Segments        []string      `mapstructure:"segments" yaml:"segments" validate:"min=1,dive,oneof=NSE_CM NSE_FO NSE_CD BSE_CM BSE_FO MCX_COM"`
	SyncInterval    time.Duration `mapstructure:"sync_interval" yaml:"sync_interval" validate:"gte=0"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout" validate:"gt=0"`
	StrikeTolerance float64       `mapstructure:"strike_tolerance" yaml:"strike_tolerance" validate:"gte=0"`
}

type LedgerConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" validate:"required"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

type TelegramConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	BotToken  string `mapstructure:"bot_token" yaml:"bot_token" validate:"required_if=Enabled true"`
	ChatID    string `mapstructure:"chat_id" yaml:"chat_id" validate:"required_if=Enabled true"`
	APIURL    string `mapstructure:"api_url" yaml:"api_url"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=0"`
	PerMinute int    `mapstructure:"per_minute" yaml:"per_minute" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
	File   string `mapstructure:"file" yaml:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id" yaml:"project_id" validate:"required_if=UseSecrets true"`
	UseSecrets      bool                `mapstructure:"use_secrets" yaml:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file" yaml:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names" yaml:"secret_names"`
}

// Load reads .env, the config file and the environment, in increasing order
// of precedence, then fills missing credentials from GCP Secret Manager when
// enabled.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sigtrader")
	}

	v.SetEnvPrefix("SIGTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		applySecrets(ctx, &config, sm)
		sm.Close()
		logger.Info("Loaded secrets from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "Asia/Kolkata")

	v.SetDefault("server.port", 5035)
	v.SetDefault("server.max_body_bytes", 10000)

	// Empty defaults make the keys visible to AutomaticEnv.
	for _, k := range []string{"client_id", "secret_key", "fy_id", "totp_key", "pin"} {
		v.SetDefault("fyers."+k, "")
	}
	v.SetDefault("fyers.redirect_uri", "https://www.google.com")
	v.SetDefault("fyers.api_url", "https://api-t1.fyers.in")
	v.SetDefault("fyers.login_url", "https://api-t2.fyers.in")
	v.SetDefault("fyers.public_url", "https://public.fyers.in")
	v.SetDefault("fyers.product_type", "MARGIN")
	v.SetDefault("fyers.request_timeout", "10s")
	v.SetDefault("fyers.auth_timeout", "15s")
	v.SetDefault("fyers.requests_per_second", 8)

	v.SetDefault("auth.validity_window", "20h")
	v.SetDefault("auth.refresh_margin", "30m")
	v.SetDefault("auth.refresh_timeout", "90s")
	v.SetDefault("auth.refresh_schedule", "0 8 * * 1-5")
	v.SetDefault("auth.scheduler_enabled", true)

	v.SetDefault("token_store.backend", "file")
	v.SetDefault("token_store.path", "./data/store_token.json")
	v.SetDefault("token_store.redis_addr", "")
	v.SetDefault("token_store.redis_key", "sigtrader:session")

	v.SetDefault("trading.default_lot_multiple", 1)
	v.SetDefault("trading.reconcile_interval", "1m")
	v.SetDefault("trading.stale_catalog_threshold", 3)

	v.SetDefault("signal.trigger_keywords", []string{"radhe", "algo"})
	v.SetDefault("signal.default_strategy_tag", "radhe-algo")
	v.SetDefault("signal.default_exchange", "NSE")

	v.SetDefault("catalog.cache_dir", "./data/symbols")
	v.SetDefault("catalog.segments", []string{"NSE_CM", "NSE_FO", "BSE_FO", "MCX_COM"})
	v.SetDefault("catalog.sync_interval", "6h")
	v.SetDefault("catalog.download_timeout", "2m")
	v.SetDefault("catalog.strike_tolerance", 0)

	v.SetDefault("ledger.dir", "./data/ledger")
	v.SetDefault("database.path", "./data/sigtrader.db")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("server.webhook_token", "")
	v.SetDefault("token_store.redis_password", "")
	v.SetDefault("token_store.redis_db", 0)
	v.SetDefault("telegram.queue_size", 100)
	v.SetDefault("telegram.per_minute", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.fyers_client_id", names.FyersClientID)
	v.SetDefault("gcp.secret_names.fyers_secret_key", names.FyersSecretKey)
	v.SetDefault("gcp.secret_names.fyers_fy_id", names.FyersFyID)
	v.SetDefault("gcp.secret_names.fyers_totp_key", names.FyersTOTPKey)
	v.SetDefault("gcp.secret_names.fyers_pin", names.FyersPIN)
	v.SetDefault("gcp.secret_names.telegram_bot_token", names.TelegramBotToken)
	v.SetDefault("gcp.secret_names.telegram_chat_id", names.TelegramChatID)
	v.SetDefault("gcp.secret_names.webhook_token", names.WebhookToken)
}

// overrideFromEnv applies the unprefixed variable names the deployment's
// .env files use.
func overrideFromEnv(config *Config) {
	creds := &config.Fyers.Credentials
	setString(&creds.ClientID, "FYERS_CLIENT_ID")
	setString(&creds.SecretKey, "FYERS_SECRET_KEY")
	setString(&creds.FyID, "FYERS_FY_ID")
	setString(&creds.TOTPKey, "FYERS_TOTP_KEY")
	setString(&creds.PIN, "FYERS_PIN")
	setString(&creds.RedirectURI, "FYERS_REDIRECT_URI")

	setString(&config.Telegram.BotToken, "TELEGRAM_TOKEN")
	setString(&config.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	if config.Telegram.BotToken != "" && config.Telegram.ChatID != "" {
		config.Telegram.Enabled = true
	}

	setString(&config.Logging.Level, "LOG_LEVEL")
	if port := os.Getenv("FLASK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	setString(&config.TokenStore.RedisAddr, "REDIS_ADDR")

	setString(&config.GCP.ProjectID, "GCP_PROJECT_ID")
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// applySecrets fills credentials that are still empty.
func applySecrets(ctx context.Context, config *Config, sm secrets.Getter) {
	names := config.GCP.SecretNames
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = sm.GetSecretWithDefault(ctx, name, "")
		}
	}
	creds := &config.Fyers.Credentials
	fill(&creds.ClientID, names.FyersClientID)
	fill(&creds.SecretKey, names.FyersSecretKey)
	fill(&creds.FyID, names.FyersFyID)
	fill(&creds.TOTPKey, names.FyersTOTPKey)
	fill(&creds.PIN, names.FyersPIN)
	fill(&config.Telegram.BotToken, names.TelegramBotToken)
	fill(&config.Telegram.ChatID, names.TelegramChatID)
	fill(&config.Server.WebhookToken, names.WebhookToken)
	if config.Telegram.BotToken != "" && config.Telegram.ChatID != "" {
		config.Telegram.Enabled = true
	}
}

var validate = validator.New()

// Validate checks everything except broker credentials.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// ValidateCredentials checks the broker login credentials are present.
func (c *Config) ValidateCredentials() error {
	if err := validate.Struct(c.Fyers.Credentials); err != nil {
		return fmt.Errorf("incomplete Fyers credentials: %w", err)
	}
	return nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

const masked = "********"

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = masked
		}
	}
	mask(&c.Fyers.Credentials.SecretKey)
	mask(&c.Fyers.Credentials.TOTPKey)
	mask(&c.Fyers.Credentials.PIN)
	mask(&c.Server.WebhookToken)
	mask(&c.Telegram.BotToken)
	mask(&c.TokenStore.RedisPassword)
	return c
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
