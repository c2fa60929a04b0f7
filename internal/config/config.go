package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL    string   `env:"DATABASE_URL"`
	MigrationsPath string   `env:"MIGRATIONS_PATH,default=migrations"`
	RunMigrations  bool     `env:"RUN_MIGRATIONS,default=true"`
	Port           int      `env:"PORT,default=8080"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	LogFormat      string   `env:"LOG_FORMAT,default=json"`
	CORSOrigins    []string `env:"CORS_ORIGINS"`
	AdminAPIToken  string   `env:"ADMIN_API_TOKEN"`

	// Google sign-in for the admin API; takes precedence over ADMIN_API_TOKEN.
	AdminGoogleClientID string   `env:"ADMIN_GOOGLE_CLIENT_ID"`
	AdminAllowedDomain  string   `env:"ADMIN_ALLOWED_DOMAIN"`
	AdminAllowedEmails  []string `env:"ADMIN_ALLOWED_EMAILS"`

	PurchaseRateLimit  int           `env:"PURCHASE_RATE_LIMIT,default=10"`
	PurchaseRateWindow time.Duration `env:"PURCHASE_RATE_WINDOW,default=1m"`

	// HTTP server timeouts
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=20s"`

	TONNetwork     string `env:"TON_NETWORK,default=mainnet"`
	TONConfigURL   string `env:"TON_CONFIG_URL"`
	WalletMnemonic string `env:"WALLET_MNEMONIC,required"`
	WalletVersion  string `env:"WALLET_VERSION,default=v4r2"`
	// DryRun runs the marketplace workflow without sending TON.
	DryRun bool `env:"DRY_RUN,default=false"`

	FragmentBaseURL        string   `env:"FRAGMENT_BASE_URL,default=https://fragment.com"`
	FragmentAPIHash        string   `env:"FRAGMENT_API_HASH,required"`
	FragmentCookie         string   `env:"FRAGMENT_COOKIE,required"`
	FragmentSuccessMarkers []string `env:"FRAGMENT_SUCCESS_MARKERS"`

	// Pricing. Decimal values are parsed in validate.
	StarsPerTONRaw string `env:"STARS_PER_TON,default=100"`
	GasFeeTONRaw   string `env:"GAS_FEE_TON,default=0.01"`
	MinStars       int    `env:"MIN_STARS,default=50"`
	MaxStars       int    `env:"MAX_STARS,default=1000000"`

	MonitorInterval time.Duration `env:"MONITOR_INTERVAL,default=30s"`
	MonitorWindow   time.Duration `env:"MONITOR_WINDOW,default=24h"`
	StuckTimeout    time.Duration `env:"STUCK_TIMEOUT,default=10m"`
	RetryDelay      time.Duration `env:"RETRY_DELAY,default=5m"`
	IncomingLimit   int           `env:"INCOMING_LIMIT,default=100"`

	CallTimeout     time.Duration `env:"CALL_TIMEOUT,default=15s"`
	SendMaxAttempts int           `env:"SEND_MAX_ATTEMPTS,default=3"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT,default=2m"`

	// Consecutive matching wallet polls before a sent transfer is settled.
	TransferConfirmations int `env:"TRANSFER_CONFIRMATIONS,default=3"`

	// Completion heuristics for marketplace polling.
	CompletionConfirmations int           `env:"COMPLETION_CONFIRMATIONS,default=3"`
	ProbeEvery              int           `env:"PROBE_EVERY,default=5"`
	ForceAfter              int           `env:"FORCE_AFTER,default=15"`
	PollInterval            time.Duration `env:"POLL_INTERVAL,default=2s"`
	MaxPolls                int           `env:"MAX_POLLS,default=60"`

	starsPerTON decimal.Decimal
	gasFeeTON   decimal.Decimal
}

func Load() (*Config, error) {
	return LoadWith(context.Background(), envconfig.OsLookuper())
}

// LoadWith reads the configuration from l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.TONNetwork != "testnet" && c.TONNetwork != "mainnet" {
		return fmt.Errorf("TON_NETWORK must be 'testnet' or 'mainnet', got %q", c.TONNetwork)
	}
	if words := len(strings.Fields(c.WalletMnemonic)); words != 24 {
		return fmt.Errorf("WALLET_MNEMONIC must have 24 words, got %d", words)
	}
	switch strings.ToLower(c.WalletVersion) {
	case "v3r2", "v4r2":
	default:
		return fmt.Errorf("WALLET_VERSION must be 'v3r2' or 'v4r2', got %q", c.WalletVersion)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'console', got %q", c.LogFormat)
	}

	var err error
	if c.starsPerTON, err = decimal.NewFromString(c.StarsPerTONRaw); err != nil || !c.starsPerTON.IsPositive() {
		return fmt.Errorf("STARS_PER_TON must be a positive number, got %q", c.StarsPerTONRaw)
	}
	if c.gasFeeTON, err = decimal.NewFromString(c.GasFeeTONRaw); err != nil || c.gasFeeTON.IsNegative() {
		return fmt.Errorf("GAS_FEE_TON must be a non-negative number, got %q", c.GasFeeTONRaw)
	}
	if c.MinStars < 1 || c.MaxStars < c.MinStars {
		return fmt.Errorf("MIN_STARS/MAX_STARS must satisfy 1 <= min <= max, got %d/%d", c.MinStars, c.MaxStars)
	}

	if c.MonitorInterval <= 0 || c.StuckTimeout <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL, STUCK_TIMEOUT and CALL_TIMEOUT must be positive")
	}
	if c.AdminGoogleClientID != "" && len(c.AdminAllowedEmails) == 0 {
		return fmt.Errorf("ADMIN_ALLOWED_EMAILS is required with ADMIN_GOOGLE_CLIENT_ID")
	}
	if c.AdminAPIToken != "" && len(c.AdminAPIToken) < 16 {
		return fmt.Errorf("ADMIN_API_TOKEN must be at least 16 characters")
	}
	if c.PurchaseRateLimit < 1 || c.PurchaseRateWindow <= 0 {
		return fmt.Errorf("PURCHASE_RATE_LIMIT and PURCHASE_RATE_WINDOW must be positive")
	}
	if c.SendMaxAttempts < 1 {
		return fmt.Errorf("SEND_MAX_ATTEMPTS must be at least 1, got %d", c.SendMaxAttempts)
	}
	if c.TransferConfirmations < 1 {
		return fmt.Errorf("TRANSFER_CONFIRMATIONS must be at least 1, got %d", c.TransferConfirmations)
	}

	return nil
}

// StarsPerTON is the exchange rate applied to incoming payments.
func (c *Config) StarsPerTON() decimal.Decimal {
	return c.starsPerTON
}

// GasFeeTON is deducted from each payment before converting it to Stars.
func (c *Config) GasFeeTON() decimal.Decimal {
	return c.gasFeeTON
}

func (c *Config) Testnet() bool {
	return c.TONNetwork == "testnet"
}

// DefaultTONConfigURL returns the liteserver config for the selected network.
func (c *Config) DefaultTONConfigURL() string {
	if c.TONConfigURL != "" {
		return c.TONConfigURL
	}
	if c.Testnet() {
		return "https://ton-blockchain.github.io/testnet-global.config.json"
	}
	return "https://ton-blockchain.github.io/global.config.json"
}
