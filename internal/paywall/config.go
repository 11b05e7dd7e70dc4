package paywall

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls how many gated articles a non-subscriber may read.
type Config struct {
	FreeArticles int           `env:"PAYWALL_FREE_ARTICLES" envDefault:"3"`
	Window       time.Duration `env:"PAYWALL_WINDOW"        envDefault:"720h"`
	KeyPrefix    string        `env:"PAYWALL_KEY_PREFIX"    envDefault:"success:meter:"`
}

// defaultConfig mirrors the envDefault tags.
func defaultConfig() Config {
	return Config{FreeArticles: 3, Window: 30 * 24 * time.Hour, KeyPrefix: "success:meter:"}
}

// LoadConfigFromEnv loads metering configuration. A malformed variable yields
// the defaults together with the parse error.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return defaultConfig(), fmt.Errorf("paywall config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.FreeArticles < 0 {
		c.FreeArticles = 0
	}
	if c.Window <= 0 {
		c.Window = 30 * 24 * time.Hour
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "success:meter:"
	}
	return c
}
