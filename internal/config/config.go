package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"celupos/internal/domain"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`
	ManagerPIN     string        `envconfig:"MANAGER_PIN"`

	TaxRate               decimal.Decimal `envconfig:"TAX_RATE" default:"0.16"`
	PricesIncludeTax      bool            `envconfig:"PRICES_INCLUDE_TAX" default:"true"`
	WholesaleDiscountRate decimal.Decimal `envconfig:"WHOLESALE_DISCOUNT_RATE" default:"10"`

	CreditNearLimitPercent    decimal.Decimal `envconfig:"CREDIT_NEAR_LIMIT_PERCENT" default:"80"`
	CreditSummaryTTL          time.Duration   `envconfig:"CREDIT_SUMMARY_TTL" default:"30s"`
	CreditInstallmentInterval time.Duration   `envconfig:"CREDIT_INSTALLMENT_INTERVAL" default:"720h"`

	FinalizeTimeout time.Duration `envconfig:"FINALIZE_TIMEOUT" default:"15s"`
	SessionMaxAge   time.Duration `envconfig:"SESSION_MAX_AGE" default:"12h"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"5"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// A missing file is fine; the environment may carry everything.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("TAX_RATE must be a fraction between 0 and 1")
	}
	if c.WholesaleDiscountRate.IsNegative() || c.WholesaleDiscountRate.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("WHOLESALE_DISCOUNT_RATE must be between 0 and 100")
	}
	if c.FinalizeTimeout <= 0 {
		return errors.New("FINALIZE_TIMEOUT must be positive")
	}
	if c.AccessTokenTTL < time.Minute {
		return errors.New("ACCESS_TOKEN_TTL must be at least one minute")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Tax() domain.TaxConfig {
	return domain.TaxConfig{Rate: c.TaxRate, PricesIncludeTax: c.PricesIncludeTax}
}
