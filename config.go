package worksheetgen

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the pipeline and its binaries
type Config struct {
	LLM        LLMConfig        `mapstructure:"llm"`
	Generation GenerationConfig `mapstructure:"generation"`
	Timeouts   TimeoutConfig    `mapstructure:"timeouts"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Render     RenderConfig     `mapstructure:"render"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Quota      QuotaConfig      `mapstructure:"quota"`
}

// LLMConfig selects and configures the generation backend
type LLMConfig struct {
	Provider string         `mapstructure:"provider"`
	OpenAI   ProviderConfig `mapstructure:"openai"`
	Gemini   ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig holds credentials and model settings for one provider
type ProviderConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// GenerationConfig sizes the generator's output budget
type GenerationConfig struct {
	BaseTokens    int     `mapstructure:"base_tokens"`
	TokensPerItem int     `mapstructure:"tokens_per_item"`
	ModifierBoost float64 `mapstructure:"modifier_boost"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	VerifyTokens  int     `mapstructure:"verify_tokens"`
	RepairTokens  int     `mapstructure:"repair_tokens"`
}

// TimeoutConfig bounds every external call. Each must stay below the host
// request budget.
type TimeoutConfig struct {
	Request    time.Duration `mapstructure:"request"`
	Generate   time.Duration `mapstructure:"generate"`
	Verify     time.Duration `mapstructure:"verify"`
	Regenerate time.Duration `mapstructure:"regenerate"`
	Repair     time.Duration `mapstructure:"repair"`
	Compile    time.Duration `mapstructure:"compile"`
	Render     time.Duration `mapstructure:"render"`
}

// PipelineConfig holds orchestrator knobs
type PipelineConfig struct {
	ParseRetries       int    `mapstructure:"parse_retries"`
	TranscriptsEnabled bool   `mapstructure:"transcripts_enabled"`
	TranscriptDir      string `mapstructure:"transcript_dir"`
}

// RenderConfig configures the LaTeX toolchain
type RenderConfig struct {
	Engine   string `mapstructure:"engine"`
	LogoPath string `mapstructure:"logo_path"`
	Title    string `mapstructure:"title"`
}

// DatabaseConfig points at the sqlite archive
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the web server
type ServerConfig struct {
	Port            string  `mapstructure:"port"`
	SessionSecret   string  `mapstructure:"session_secret"`
	StartsPerSecond float64 `mapstructure:"starts_per_second"`
	StartBurst      int     `mapstructure:"start_burst"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Verbose bool   `mapstructure:"verbose"`
}

// QuotaConfig caps generations per caller per month; zero means unlimited
type QuotaConfig struct {
	MonthlyLimit int `mapstructure:"monthly_limit"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI:   ProviderConfig{Model: "gpt-4o", Temperature: 0.7},
			Gemini:   ProviderConfig{Model: "gemini-2.5-flash", Temperature: 0.7},
		},
		Generation: GenerationConfig{
			BaseTokens:    2000,
			TokensPerItem: 700,
			ModifierBoost: 0.1,
			MaxTokens:     16000,
			VerifyTokens:  4000,
			RepairTokens:  2000,
		},
		Timeouts: TimeoutConfig{
			Request:    300 * time.Second,
			Generate:   150 * time.Second,
			Verify:     90 * time.Second,
			Regenerate: 120 * time.Second,
			Repair:     60 * time.Second,
			Compile:    30 * time.Second,
			Render:     60 * time.Second,
		},
		Pipeline: PipelineConfig{
			ParseRetries:  2,
			TranscriptDir: "log",
		},
		Render: RenderConfig{
			Engine: "pdflatex",
			Title:  "Practice Worksheet",
		},
		Database: DatabaseConfig{Path: "./worksheets.db"},
		Server: ServerConfig{
			Port:            "8180",
			StartsPerSecond: 1,
			StartBurst:      5,
		},
		Logging: LoggingConfig{Level: "info", File: "logs/worksheetgen.log"},
	}
}

// LoadConfig reads config.yaml from path (if present) and the environment
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("WORKSHEETGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.openai.base_url", "OPENAI_BASE_URL")
	v.BindEnv("llm.gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.session_secret", "SESSION_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every per-call timeout fits inside the request budget
func (c *Config) Validate() error {
	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("timeouts.request must be positive")
	}
	calls := map[string]time.Duration{
		"generate":   c.Timeouts.Generate,
		"verify":     c.Timeouts.Verify,
		"regenerate": c.Timeouts.Regenerate,
		"repair":     c.Timeouts.Repair,
		"compile":    c.Timeouts.Compile,
		"render":     c.Timeouts.Render,
	}
	for name, d := range calls {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
		if d >= c.Timeouts.Request {
			return fmt.Errorf("timeouts.%s (%s) must be shorter than timeouts.request (%s)", name, d, c.Timeouts.Request)
		}
	}
	if c.Pipeline.ParseRetries < 0 {
		return fmt.Errorf("pipeline.parse_retries must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.openai.model", d.LLM.OpenAI.Model)
	v.SetDefault("llm.openai.temperature", d.LLM.OpenAI.Temperature)
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.gemini.model", d.LLM.Gemini.Model)
	v.SetDefault("llm.gemini.temperature", d.LLM.Gemini.Temperature)
	v.SetDefault("llm.gemini.api_key", "")

	v.SetDefault("generation.base_tokens", d.Generation.BaseTokens)
	v.SetDefault("generation.tokens_per_item", d.Generation.TokensPerItem)
	v.SetDefault("generation.modifier_boost", d.Generation.ModifierBoost)
	v.SetDefault("generation.max_tokens", d.Generation.MaxTokens)
	v.SetDefault("generation.verify_tokens", d.Generation.VerifyTokens)
	v.SetDefault("generation.repair_tokens", d.Generation.RepairTokens)

	v.SetDefault("timeouts.request", d.Timeouts.Request)
	v.SetDefault("timeouts.generate", d.Timeouts.Generate)
	v.SetDefault("timeouts.verify", d.Timeouts.Verify)
	v.SetDefault("timeouts.regenerate", d.Timeouts.Regenerate)
	v.SetDefault("timeouts.repair", d.Timeouts.Repair)
	v.SetDefault("timeouts.compile", d.Timeouts.Compile)
	v.SetDefault("timeouts.render", d.Timeouts.Render)

	v.SetDefault("pipeline.parse_retries", d.Pipeline.ParseRetries)
	v.SetDefault("pipeline.transcripts_enabled", d.Pipeline.TranscriptsEnabled)
	v.SetDefault("pipeline.transcript_dir", d.Pipeline.TranscriptDir)

	v.SetDefault("render.engine", d.Render.Engine)
	v.SetDefault("render.logo_path", d.Render.LogoPath)
	v.SetDefault("render.title", d.Render.Title)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.session_secret", "")
	v.SetDefault("server.starts_per_second", d.Server.StartsPerSecond)
	v.SetDefault("server.start_burst", d.Server.StartBurst)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.verbose", d.Logging.Verbose)

	v.SetDefault("quota.monthly_limit", d.Quota.MonthlyLimit)
}
