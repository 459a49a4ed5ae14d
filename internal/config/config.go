package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"forecast-service/internal/ai"
	"forecast-service/internal/forecast"
	"forecast-service/internal/provider"
	"forecast-service/internal/service"
	"forecast-service/internal/velocity"
	"forecast-service/pkg/config"
)

type ForecastConfig struct {
	// HistoryWindow "12w" / "3m" / "all"
	HistoryWindow           string        `yaml:"history_window"`
	DefaultVelocity         float64       `yaml:"default_velocity"`
	AIEstimateTimeout       time.Duration `yaml:"ai_estimate_timeout"`
	MonteCarloTrials        int           `yaml:"monte_carlo_trials"`
	TeamMemberVelocityShare float64       `yaml:"team_member_velocity_share"`
	HistoryCacheTTL         time.Duration `yaml:"history_cache_ttl"`

	// NarrativeTimeout 为 0 时沿用 AIEstimateTimeout
	NarrativeTimeout time.Duration `yaml:"narrative_timeout"`

	window velocity.Window
}

// Window 解析后的历史窗口
func (f ForecastConfig) Window() velocity.Window {
	return f.window
}

// AIConfig APIKey 为空时不启用 AI 估算和说明
type AIConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Narrative     bool    `yaml:"narrative"`
}

func (a AIConfig) Enabled() bool {
	return a.APIKey != ""
}

type RiskScanConfig struct {
	Queue    string        `yaml:"queue"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	RetryTTL time.Duration `yaml:"retry_ttl"`
}

// HistoryRefreshConfig 任务完成事件触发的历史缓存失效
type HistoryRefreshConfig struct {
	Queue string `yaml:"queue"`
}

type Config struct {
	Env string `yaml:"-"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	DB       config.DBConfig     `yaml:"db"`
	MQ       config.MQConfig     `yaml:"mq"`
	Redis    config.RedisConfig  `yaml:"redis"`
	Server   config.ServerConfig `yaml:"server"`
	OTel     config.OTelConfig   `yaml:"otel"`
	Forecast ForecastConfig      `yaml:"forecast"`
	AI       AIConfig            `yaml:"ai"`
	RiskScan RiskScanConfig      `yaml:"risk_scan"`

	HistoryRefresh HistoryRefreshConfig `yaml:"history_refresh"`
}

// Load 使用统一配置中心：CONFIG_ENV 选择环境，CONFIG_DIR 指定目录
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 转换为 Config 结构
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(cfgData, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Env = env

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOTelFromEnv(&cfg.OTel)
	overrideAIFromEnv(&cfg.AI)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Server.Port = "8090"
	cfg.OTel.ServiceName = "forecast-service"
	cfg.Forecast = ForecastConfig{
		HistoryWindow:           "12w",
		DefaultVelocity:         forecast.DefaultFallbackVelocity,
		AIEstimateTimeout:       service.DefaultAIEstimateTimeout,
		MonteCarloTrials:        forecast.DefaultTrials,
		TeamMemberVelocityShare: forecast.DefaultTeamMemberVelocityShare,
		HistoryCacheTTL:         provider.DefaultHistoryTTL,
	}
	cfg.AI.Model = ai.DefaultModel
	cfg.AI.RatePerSecond = ai.DefaultRatePerSecond
	cfg.RiskScan = RiskScanConfig{
		Queue:    "project.risk_scan.q",
		DedupTTL: 5 * time.Minute,
		RetryTTL: time.Hour,
	}
	cfg.HistoryRefresh.Queue = "project.history_refresh.q"
	return cfg
}

func (c *Config) validate() error {
	w, err := velocity.ParseWindow(c.Forecast.HistoryWindow)
	if err != nil {
		return fmt.Errorf("invalid forecast.history_window: %w", err)
	}
	c.Forecast.window = w

	if c.Forecast.DefaultVelocity <= 0 {
		return fmt.Errorf("invalid forecast.default_velocity %v: must be positive", c.Forecast.DefaultVelocity)
	}
	if c.Forecast.AIEstimateTimeout <= 0 {
		return fmt.Errorf("invalid forecast.ai_estimate_timeout %s: must be positive", c.Forecast.AIEstimateTimeout)
	}
	if c.Forecast.NarrativeTimeout < 0 {
		return fmt.Errorf("invalid forecast.narrative_timeout %s: must not be negative", c.Forecast.NarrativeTimeout)
	}
	if c.Forecast.MonteCarloTrials <= 0 {
		return fmt.Errorf("invalid forecast.monte_carlo_trials %d: must be positive", c.Forecast.MonteCarloTrials)
	}
	return nil
}

func overrideAIFromEnv(cfg *AIConfig) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.Model = model
	}
	if rps := os.Getenv("AI_RATE_PER_SECOND"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RatePerSecond = v
		}
	}
}
