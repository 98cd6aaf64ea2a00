package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath    string          `toml:"dbPath"`
	ResultDir string          `toml:"resultDir"`
	LogConfig LogConfig       `toml:"logConfig"`
	Provider  ProviderConfig  `toml:"provider"`
	Auth      AuthConfig      `toml:"auth"`
	Admins    AdminConfig     `toml:"admins"`
	Balance   BalanceConfig   `toml:"balance"`
	Queue     QueueConfig     `toml:"queue"`
	Retry     RetryConfig     `toml:"retry"`
	RateLimit RateLimitConfig `toml:"rateLimit"`
	Sweep     SweepConfig     `toml:"sweep"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type ProviderConfig struct {
	APIKey           string `toml:"apiKey"`
	BaseURL          string `toml:"baseURL"`
	RequestTimeoutMs int    `toml:"requestTimeoutMs"`
	PollIntervalMs   int    `toml:"pollIntervalMs"`
}

type AuthConfig struct {
	AuthorizedUserIDs []int64 `toml:"authorizedUserIDs"`
}

type AdminConfig struct {
	AdminUserIDs []int64 `toml:"adminUserIDs"`
}

type BalanceConfig struct {
	InitialBalance    int64 `toml:"initialBalance"`
	CostPerGeneration int64 `toml:"costPerGeneration"`
}

type QueueConfig struct {
	MaxConcurrent       int `toml:"maxConcurrent"`
	AvgProcessingTimeMs int `toml:"avgProcessingTimeMs"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"maxAttempts"`
	BaseDelayMs int `toml:"baseDelayMs"`
}

type RateLimitConfig struct {
	MaxRequests int `toml:"maxRequests"`
	WindowMs    int `toml:"windowMs"`
}

type SweepConfig struct {
	IntervalMs     int `toml:"intervalMs"`
	StuckTimeoutMs int `toml:"stuckTimeoutMs"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ValidateURL(urlString string) bool {
	if urlString == "" {
		return false
	}
	// check if the url is valid
	if _, err := url.Parse(urlString); err != nil {
		return false
	}
	return true
}

func MaskedPrint(str string) string {
	if len(str) <= 4 {
		return strings.Repeat("*", len(str))
	}
	// only show the last 4 characters
	return strings.Repeat("*", len(str)-4) + str[len(str)-4:]
}

func PrintConfig(cfg *Config) {
	fmt.Println()
	fmt.Println("--------------------------------")
	fmt.Println("Config:")
	fmt.Printf("\tDBPath: %s\n", cfg.DBPath)
	fmt.Printf("\tResultDir: %s\n", cfg.ResultDir)
	fmt.Printf("\tLogConfig: %v\n", cfg.LogConfig)
	fmt.Printf("\tProvider.APIKey: %s\n", MaskedPrint(cfg.Provider.APIKey))
	fmt.Printf("\tProvider.BaseURL: %s\n", cfg.Provider.BaseURL)
	fmt.Printf("\tAuth: %v\n", cfg.Auth)
	fmt.Printf("\tAdmins: %v\n", cfg.Admins)
	fmt.Printf("\tBalance: %v\n", cfg.Balance)
	fmt.Printf("\tQueue: %v\n", cfg.Queue)
	fmt.Printf("\tRetry: %v\n", cfg.Retry)
	fmt.Printf("\tRateLimit: %v\n", cfg.RateLimit)
	fmt.Printf("\tSweep: %v\n", cfg.Sweep)
	fmt.Println("--------------------------------")
	fmt.Println()
}

func ValidateConfig(cfg *Config) error {
	PrintConfig(cfg)
	if cfg.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}
	if cfg.ResultDir == "" {
		return fmt.Errorf("resultDir is required")
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("provider.apiKey is required")
	}
	if cfg.Provider.BaseURL == "" || !ValidateURL(cfg.Provider.BaseURL) {
		return fmt.Errorf("provider.baseURL is required and must be a valid URL")
	}
	if len(cfg.Admins.AdminUserIDs) == 0 {
		return fmt.Errorf("adminUserIDs is required")
	}
	if cfg.Balance.CostPerGeneration <= 0 {
		return fmt.Errorf("costPerGeneration must be greater than 0")
	}
	if cfg.Balance.InitialBalance < 0 {
		return fmt.Errorf("initialBalance must not be negative")
	}
	if cfg.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.maxConcurrent must be greater than 0")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = 1000
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rateLimit.maxRequests must be greater than 0")
	}
	if cfg.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("rateLimit.windowMs must be greater than 0")
	}
	if cfg.Sweep.IntervalMs <= 0 {
		cfg.Sweep.IntervalMs = 60000
	}
	if cfg.Sweep.StuckTimeoutMs <= 0 {
		cfg.Sweep.StuckTimeoutMs = 600000
	}
	if cfg.LogConfig.Level == "" {
		return fmt.Errorf("logLevel is required")
	}
	if cfg.LogConfig.Format == "" {
		return fmt.Errorf("logFormat is required")
	}
	return nil
}
