package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/outreach/internal/models"
)

type Config struct {
	LinkedIn struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"linkedin"`
	Engine struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		BatchSize       int           `yaml:"batch_size"`
		Workers         int           `yaml:"workers"`
		MaxRetries      int           `yaml:"max_retries"`
		BackoffBase     time.Duration `yaml:"backoff_base"`
		BackoffCap      time.Duration `yaml:"backoff_cap"`
		BackoffJitter   time.Duration `yaml:"backoff_jitter"`
		HandlerTimeout  time.Duration `yaml:"handler_timeout"`
		StaleClaimAfter time.Duration `yaml:"stale_claim_after"`
		SafetyDelayMin  time.Duration `yaml:"safety_delay_min"`
		SafetyDelayMax  time.Duration `yaml:"safety_delay_max"`
		Timezone        string        `yaml:"timezone"`
	} `yaml:"engine"`
	Limits struct {
		MaxConnectionsPerDay int `yaml:"max_connections_per_day"`
		MaxMessagesPerDay    int `yaml:"max_messages_per_day"`
		MaxVisitsPerDay      int `yaml:"max_visits_per_day"`
	} `yaml:"limits"`
	Browser struct {
		Headless       bool   `yaml:"headless"`
		ControlURL     string `yaml:"control_url"`
		UserAgent      string `yaml:"user_agent"`
		ViewportWidth  int    `yaml:"viewport_width"`
		ViewportHeight int    `yaml:"viewport_height"`
		ScreenshotDir  string `yaml:"screenshot_dir"`
	} `yaml:"browser"`
	// Pacing bounds the randomized pause between handler sub-steps.
	Pacing struct {
		MinDelay time.Duration `yaml:"min_delay"`
		MaxDelay time.Duration `yaml:"max_delay"`
	} `yaml:"pacing"`
	Templates struct {
		ConnectionNote string `yaml:"connection_note_template"`
		FollowUp       string `yaml:"follow_up_message_template"`
	} `yaml:"templates"`
	Database struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Sessions struct {
		JarDir  string        `yaml:"jar_dir"`
		IdleTTL time.Duration `yaml:"idle_ttl"`
	} `yaml:"sessions"`
	LLM struct {
		Provider         string        `yaml:"provider"`
		Model            string        `yaml:"model"`
		APIKeyEnv        string        `yaml:"api_key_env"`
		Timeout          time.Duration `yaml:"timeout"`
		AnthropicBaseURL string        `yaml:"anthropic_base_url"`
		OpenAIBaseURL    string        `yaml:"openai_base_url"`
	} `yaml:"llm"`
	Users   []User `yaml:"users"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// User maps an automation owner to the environment variables holding its
// LinkedIn credentials, plus optional per-user daily limits.
type User struct {
	ID          string             `yaml:"id"`
	EmailEnv    string             `yaml:"email_env"`
	PasswordEnv string             `yaml:"password_env"`
	LLMKeyEnv   string             `yaml:"llm_api_key_env"`
	Limits      models.DailyLimits `yaml:"limits"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional
	cfg := Default()
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Default() Config {
	var cfg Config
	cfg.LinkedIn.BaseURL = "https://www.linkedin.com/"
	cfg.Engine.PollInterval = 5 * time.Minute
	cfg.Engine.SweepInterval = 30 * time.Minute
	cfg.Engine.BatchSize = 50
	cfg.Engine.Workers = 4
	cfg.Engine.MaxRetries = 3
	cfg.Engine.BackoffBase = 5 * time.Minute
	cfg.Engine.BackoffCap = 6 * time.Hour
	cfg.Engine.BackoffJitter = 60 * time.Second
	cfg.Engine.HandlerTimeout = 90 * time.Second
	cfg.Engine.StaleClaimAfter = 30 * time.Minute
	cfg.Engine.SafetyDelayMin = 5 * time.Minute
	cfg.Engine.SafetyDelayMax = 15 * time.Minute
	cfg.Engine.Timezone = "UTC"
	cfg.Limits.MaxConnectionsPerDay = 20
	cfg.Limits.MaxMessagesPerDay = 50
	cfg.Limits.MaxVisitsPerDay = 80
	cfg.Browser.Headless = true
	cfg.Browser.ViewportWidth = 1440
	cfg.Browser.ViewportHeight = 900
	cfg.Browser.ScreenshotDir = ".cache/screenshots"
	cfg.Pacing.MinDelay = 800 * time.Millisecond
	cfg.Pacing.MaxDelay = 2500 * time.Millisecond
	cfg.Templates.ConnectionNote = "Hi {{Name}}, noticed your work at {{Company}} as {{Title}}, would love to connect."
	cfg.Templates.FollowUp = "Thanks for connecting, {{Name}}! Curious how things are going at {{Company}}."
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "outreach.db"
	cfg.Sessions.JarDir = ".cache/sessions"
	cfg.Sessions.IdleTTL = 30 * time.Minute
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.APIKeyEnv = "LLM_API_KEY"
	cfg.LLM.Timeout = 60 * time.Second
	cfg.LLM.AnthropicBaseURL = "https://api.anthropic.com"
	cfg.LLM.OpenAIBaseURL = "https://api.openai.com"
	cfg.Logging.Level = "info"
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OUTREACH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OUTREACH_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("OUTREACH_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("OUTREACH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OUTREACH_HEADLESS"); v != "" {
		cfg.Browser.Headless = v == "1" || v == "true"
	}
	if v := os.Getenv("OUTREACH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("OUTREACH_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.PollInterval = d
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.LinkedIn.BaseURL == "" {
		return errors.New("linkedin.base_url is required")
	}
	if cfg.Engine.PollInterval <= 0 {
		return errors.New("engine.poll_interval must be > 0")
	}
	if cfg.Engine.BatchSize <= 0 {
		return errors.New("engine.batch_size must be > 0")
	}
	if cfg.Engine.Workers <= 0 {
		return errors.New("engine.workers must be > 0")
	}
	if cfg.Engine.MaxRetries <= 0 {
		return errors.New("engine.max_retries must be > 0")
	}
	if cfg.Engine.BackoffBase <= 0 || cfg.Engine.BackoffCap < cfg.Engine.BackoffBase {
		return errors.New("engine.backoff_base must be > 0 and <= engine.backoff_cap")
	}
	if cfg.Engine.BackoffJitter < 0 {
		return errors.New("engine.backoff_jitter must be >= 0")
	}
	if cfg.Engine.HandlerTimeout <= 0 {
		return errors.New("engine.handler_timeout must be > 0")
	}
	if cfg.Engine.SafetyDelayMax < cfg.Engine.SafetyDelayMin || cfg.Engine.SafetyDelayMin < 0 {
		return errors.New("engine.safety_delay_min must be >= 0 and <= engine.safety_delay_max")
	}
	if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	if cfg.Limits.MaxConnectionsPerDay <= 0 {
		return errors.New("limits.max_connections_per_day must be > 0")
	}
	if cfg.Limits.MaxMessagesPerDay <= 0 {
		return errors.New("limits.max_messages_per_day must be > 0")
	}
	if cfg.Limits.MaxVisitsPerDay <= 0 {
		return errors.New("limits.max_visits_per_day must be > 0")
	}
	if cfg.Pacing.MinDelay < 0 || cfg.Pacing.MaxDelay < cfg.Pacing.MinDelay {
		return errors.New("pacing.min_delay must be >= 0 and <= pacing.max_delay")
	}
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "mysql":
		if cfg.Database.DSN == "" {
			return errors.New("database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	seen := map[string]bool{}
	for _, u := range cfg.Users {
		if u.ID == "" {
			return errors.New("users[].id is required")
		}
		if seen[u.ID] {
			return fmt.Errorf("users: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
		for name, v := range map[string]int{
			"connections": u.Limits.Connections,
			"messages":    u.Limits.Messages,
			"visits":      u.Limits.Visits,
		} {
			if v < models.LimitOff {
				return fmt.Errorf("users[%s].limits.%s must be >= -1", u.ID, name)
			}
		}
	}
	return nil
}

// Location returns the timezone used for day boundaries.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultLimits returns the global per-day caps.
func (c *Config) DefaultLimits() models.DailyLimits {
	return models.DailyLimits{
		Connections: c.Limits.MaxConnectionsPerDay,
		Messages:    c.Limits.MaxMessagesPerDay,
		Visits:      c.Limits.MaxVisitsPerDay,
	}
}

// FindUser returns the configured entry for id.
func (c *Config) FindUser(id string) (User, bool) {
	for _, u := range c.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}
