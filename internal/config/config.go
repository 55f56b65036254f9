package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/pairvolume/pkg/lighter"
	"github.com/gregtusar/pairvolume/pkg/secrets"
	"github.com/gregtusar/pairvolume/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Account1 AccountConfig  `mapstructure:"account1"`
	Account2 AccountConfig  `mapstructure:"account2"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type ExchangeConfig struct {
	BaseURL           string          `mapstructure:"base_url"`
	RequestTimeout    int             `mapstructure:"request_timeout"` // seconds
	MaxRetries        int             `mapstructure:"max_retries"`
	RequestsPerSecond float64         `mapstructure:"requests_per_second"`
	WebSocket         WebSocketConfig `mapstructure:"websocket"`
}

type WebSocketConfig struct {
	URL            string `mapstructure:"url"`
	ReconnectDelay int    `mapstructure:"reconnect_delay"` // seconds
	MaxReconnects  int    `mapstructure:"max_reconnects"`
}

type AccountConfig struct {
	Name      string `mapstructure:"name"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`

	// JWT authentication (optional)
	AuthType      string `mapstructure:"auth_type"` // "hmac" or "jwt"
	KeyName       string `mapstructure:"key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
}

type TradingConfig struct {
	MinSessionDuration int      `mapstructure:"min_session_duration"` // seconds
	MaxSessionDuration int      `mapstructure:"max_session_duration"` // seconds
	MinDailySessions   int      `mapstructure:"min_daily_sessions"`
	MaxDailySessions   int      `mapstructure:"max_daily_sessions"`
	MaxPositionSize    float64  `mapstructure:"max_position_size"`
	Symbols            []string `mapstructure:"symbols"`
	ParallelLegs       bool     `mapstructure:"parallel_legs"`
	CleanupTimeout     int      `mapstructure:"cleanup_timeout"` // seconds
	Continuous         bool     `mapstructure:"continuous"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pairvolume")
	}

	v.SetEnvPrefix("PAIRVOLUME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer secretManager.Close()

		fillSecrets(ctx, &config, secretManager)
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	// Exchange defaults
	v.SetDefault("exchange.base_url", lighter.DefaultBaseURL)
	v.SetDefault("exchange.request_timeout", 30)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.requests_per_second", 0)
	v.SetDefault("exchange.websocket.url", "")
	v.SetDefault("exchange.websocket.reconnect_delay", 5)
	v.SetDefault("exchange.websocket.max_reconnects", 10)

	// Account defaults
	v.SetDefault("account1.name", "Account1")
	v.SetDefault("account1.auth_type", string(lighter.AuthTypeHMAC))
	v.SetDefault("account2.name", "Account2")
	v.SetDefault("account2.auth_type", string(lighter.AuthTypeHMAC))

	// Trading defaults
	v.SetDefault("trading.min_session_duration", 300)
	v.SetDefault("trading.max_session_duration", 2100)
	v.SetDefault("trading.min_daily_sessions", 70)
	v.SetDefault("trading.max_daily_sessions", 180)
	v.SetDefault("trading.max_position_size", 0.1)
	v.SetDefault("trading.symbols", []string{"ETH-USDC", "BTC-USDC"})
	v.SetDefault("trading.parallel_legs", false)
	v.SetDefault("trading.cleanup_timeout", 30)
	v.SetDefault("trading.continuous", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.account1_api_key", secretNames.Account1APIKey)
	v.SetDefault("gcp.secret_names.account1_secret_key", secretNames.Account1SecretKey)
	v.SetDefault("gcp.secret_names.account1_private_key", secretNames.Account1PrivateKey)
	v.SetDefault("gcp.secret_names.account2_api_key", secretNames.Account2APIKey)
	v.SetDefault("gcp.secret_names.account2_secret_key", secretNames.Account2SecretKey)
	v.SetDefault("gcp.secret_names.account2_private_key", secretNames.Account2PrivateKey)
}

func overrideFromEnv(config *Config) {
	if baseURL := os.Getenv("LIGHTER_BASE_URL"); baseURL != "" {
		config.Exchange.BaseURL = baseURL
	}

	overrideAccountFromEnv(&config.Account1, "LIGHTER_ACCOUNT1")
	overrideAccountFromEnv(&config.Account2, "LIGHTER_ACCOUNT2")

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func overrideAccountFromEnv(account *AccountConfig, prefix string) {
	if name := os.Getenv(prefix + "_NAME"); name != "" {
		account.Name = name
	}
	if apiKey := os.Getenv(prefix + "_API_KEY"); apiKey != "" {
		account.APIKey = apiKey
	}
	if secretKey := os.Getenv(prefix + "_SECRET_KEY"); secretKey != "" {
		account.SecretKey = secretKey
	}
	if authType := os.Getenv(prefix + "_AUTH_TYPE"); authType != "" {
		account.AuthType = authType
	}
	if keyName := os.Getenv(prefix + "_KEY_NAME"); keyName != "" {
		account.KeyName = keyName
	}
	if privateKey := os.Getenv(prefix + "_PRIVATE_KEY"); privateKey != "" {
		account.PrivateKeyPEM = privateKey
	}
}

type secretSource interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

// fillSecrets only fills credentials that are not already set.
func fillSecrets(ctx context.Context, config *Config, src secretSource) {
	names := config.GCP.SecretNames
	fillAccount(ctx, &config.Account1, src, names.Account1APIKey, names.Account1SecretKey, names.Account1PrivateKey)
	fillAccount(ctx, &config.Account2, src, names.Account2APIKey, names.Account2SecretKey, names.Account2PrivateKey)
}

func fillAccount(ctx context.Context, account *AccountConfig, src secretSource, apiKey, secretKey, privateKey string) {
	if account.APIKey == "" {
		account.APIKey = src.GetSecretWithDefault(ctx, apiKey, "")
	}
	if account.SecretKey == "" {
		account.SecretKey = src.GetSecretWithDefault(ctx, secretKey, "")
	}
	if account.AuthType == string(lighter.AuthTypeJWT) && account.PrivateKeyPEM == "" {
		account.PrivateKeyPEM = src.GetSecretWithDefault(ctx, privateKey, "")
	}
}

// Validate rejects configurations the bot cannot run with.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Exchange.BaseURL, "http://") && !strings.HasPrefix(c.Exchange.BaseURL, "https://") {
		return fmt.Errorf("exchange.base_url must be http(s), got %q", c.Exchange.BaseURL)
	}
	if c.Exchange.MaxRetries < 1 {
		return fmt.Errorf("exchange.max_retries must be at least 1, got %d", c.Exchange.MaxRetries)
	}
	for i, acct := range []AccountConfig{c.Account1, c.Account2} {
		if err := acct.validate(); err != nil {
			return fmt.Errorf("account%d: %w", i+1, err)
		}
	}

	t := c.Trading
	if t.MinSessionDuration < 1 || t.MaxSessionDuration < t.MinSessionDuration {
		return fmt.Errorf("trading: invalid session duration bounds [%d, %d]", t.MinSessionDuration, t.MaxSessionDuration)
	}
	if t.MinDailySessions < 1 || t.MaxDailySessions < t.MinDailySessions {
		return fmt.Errorf("trading: invalid daily session bounds [%d, %d]", t.MinDailySessions, t.MaxDailySessions)
	}
	if t.MaxPositionSize <= 0 {
		return fmt.Errorf("trading.max_position_size must be positive, got %v", t.MaxPositionSize)
	}
	if len(t.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	return nil
}

func (a AccountConfig) validate() error {
	if a.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	switch lighter.AuthType(a.AuthType) {
	case "", lighter.AuthTypeHMAC:
		if a.SecretKey == "" {
			return fmt.Errorf("secret_key is required")
		}
	case lighter.AuthTypeJWT:
		if a.KeyName == "" || a.PrivateKeyPEM == "" {
			return fmt.Errorf("key_name and private_key_pem are required for jwt auth")
		}
	default:
		return fmt.Errorf("unknown auth_type %q", a.AuthType)
	}
	return nil
}

func (a AccountConfig) Credentials() lighter.Credentials {
	return lighter.Credentials{
		Name:          a.Name,
		APIKey:        a.APIKey,
		SecretKey:     a.SecretKey,
		AuthType:      lighter.AuthType(a.AuthType),
		KeyName:       a.KeyName,
		PrivateKeyPEM: a.PrivateKeyPEM,
	}
}

func (c *Config) Credentials() [2]lighter.Credentials {
	return [2]lighter.Credentials{c.Account1.Credentials(), c.Account2.Credentials()}
}

func (c *Config) ExecutorConfig() lighter.Config {
	return lighter.Config{
		BaseURL:           c.Exchange.BaseURL,
		Timeout:           time.Duration(c.Exchange.RequestTimeout) * time.Second,
		MaxRetries:        c.Exchange.MaxRetries,
		RequestsPerSecond: c.Exchange.RequestsPerSecond,
	}
}

func (c *Config) StreamConfig() lighter.StreamConfig {
	return lighter.StreamConfig{
		URL:            c.Exchange.WebSocket.URL,
		ReconnectDelay: time.Duration(c.Exchange.WebSocket.ReconnectDelay) * time.Second,
		MaxReconnects:  c.Exchange.WebSocket.MaxReconnects,
	}
}

func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Symbols:            c.Trading.Symbols,
		MinSessionDuration: time.Duration(c.Trading.MinSessionDuration) * time.Second,
		MaxSessionDuration: time.Duration(c.Trading.MaxSessionDuration) * time.Second,
		MaxPositionSize:    c.Trading.MaxPositionSize,
		ParallelLegs:       c.Trading.ParallelLegs,
		CleanupTimeout:     time.Duration(c.Trading.CleanupTimeout) * time.Second,
	}
}

func (c *Config) SchedulerConfig() session.SchedulerConfig {
	return session.SchedulerConfig{
		MinDailySessions: c.Trading.MinDailySessions,
		MaxDailySessions: c.Trading.MaxDailySessions,
		Continuous:       c.Trading.Continuous,
	}
}
