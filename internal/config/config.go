package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is given.
const DefaultPath = "configs/config.yaml"

// Fill strategies for the login form.
const (
	FillKeystroke = "keystroke"
	FillInject    = "inject"
)

// Activation strategies for the login trigger.
const (
	ActivateDispatch = "dispatch"
	ActivatePointer  = "pointer"
)

// Secret is a string that never prints its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "******"
}

func (s Secret) GoString() string { return `config.Secret("******")` }

// Reveal returns the raw value. Only the login fill step should call it.
func (s Secret) Reveal() string { return string(s) }

// Credentials is the site login pair.
type Credentials struct {
	Identifier string `yaml:"email"`
	Secret     Secret `yaml:"password"`
}

// Selectors holds the ordered candidate locators for every logical UI target.
type Selectors struct {
	AuthMarker   []string `yaml:"auth_marker"`
	LoginTrigger []string `yaml:"login_trigger"`
	Identifier   []string `yaml:"identifier"`
	Secret       []string `yaml:"secret"`
	Submit       []string `yaml:"submit"`
	LoginSurface []string `yaml:"login_surface"`
	Price        []string `yaml:"price"`
	QuoteBlock   []string `yaml:"quote_block"`
	Change       []string `yaml:"change"`
}

// Timeouts bounds every wait in a run.
type Timeouts struct {
	Run          time.Duration `yaml:"run"`
	Navigation   time.Duration `yaml:"navigation"`
	LoginSurface time.Duration `yaml:"login_surface"`
	Verify       time.Duration `yaml:"verify"`
	Recheck      time.Duration `yaml:"recheck"`
	Extract      time.Duration `yaml:"extract"`
	QuoteBlock   time.Duration `yaml:"quote_block"`
	Poll         time.Duration `yaml:"poll"`
}

// Config holds all application configuration. It is built once at start
// and passed by reference; no other package reads the environment.
type Config struct {
	Telegram struct {
		BotToken  Secret `yaml:"bot_token"`
		ChatID    string `yaml:"chat_id"`
		APIBase   string `yaml:"api_base"`
		ParseMode string `yaml:"parse_mode"`
	} `yaml:"telegram"`
	Site struct {
		URL   string `yaml:"url"`
		Label string `yaml:"label"`
		Unit  string `yaml:"unit"`
	} `yaml:"site"`
	Credentials Credentials `yaml:"credentials"`
	Login       struct {
		FillStrategy      string        `yaml:"fill_strategy"`
		TriggerActivation string        `yaml:"trigger_activation"`
		KeyDelay          time.Duration `yaml:"key_delay"`
		SubmitPause       time.Duration `yaml:"submit_pause"`
		ReloadAfterLogin  *bool         `yaml:"reload_after_login"`
	} `yaml:"login"`
	Selectors Selectors `yaml:"selectors"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Browser   struct {
		ShowWindow  *bool         `yaml:"show_window"`
		ExecPath    string        `yaml:"exec_path"`
		UserAgent   string        `yaml:"user_agent"`
		Width       int           `yaml:"width"`
		Height      int           `yaml:"height"`
		SettleDelay time.Duration `yaml:"settle_delay"`
	} `yaml:"browser"`
	Session struct {
		Path string `yaml:"path"`
	} `yaml:"session"`
	Diagnostics struct {
		ScreenshotPath string `yaml:"screenshot_path"`
		FailureLimit   int    `yaml:"failure_limit"`
	} `yaml:"diagnostics"`
	Report struct {
		StripPercentage *bool `yaml:"strip_percentage"`
	} `yaml:"report"`
	Schedule struct {
		Cron       string `yaml:"cron"`
		ActiveDays string `yaml:"active_days"`
	} `yaml:"schedule"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// PathFromEnv returns CONFIG_PATH or DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads config from a YAML file, merges <name>.local.<ext> over it,
// then applies environment variable overrides and defaults.
// A missing file is not an error. Booleans are pointers so that a local
// file can turn off what the base file turned on.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	local := &Config{}
	localPath := localPathFor(path)
	if err := readYAML(localPath, local); err != nil {
		return nil, err
	}
	if err := mergo.Merge(cfg, local, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("merge %s: %w", localPath, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func readYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return nil
}

func localPathFor(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = Secret(v)
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.BotToken = Secret(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("SMM_EMAIL"); v != "" {
		cfg.Credentials.Identifier = v
	}
	if v := os.Getenv("SMM_PASSWORD"); v != "" {
		cfg.Credentials.Secret = Secret(v)
	}
	if v := os.Getenv("TARGET_URL"); v != "" {
		cfg.Site.URL = v
	}
	if v := os.Getenv("ACTIVE_DAYS"); v != "" {
		cfg.Schedule.ActiveDays = v
	}
	if v := os.Getenv("CRON_SCHEDULE"); v != "" {
		cfg.Schedule.Cron = v
	}
	if v := os.Getenv("SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("SCREENSHOT_PATH"); v != "" {
		cfg.Diagnostics.ScreenshotPath = v
	}
	if v := os.Getenv("HEADLESS"); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.ShowWindow = boolPtr(!headless)
		}
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		cfg.Browser.ExecPath = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Telegram.APIBase == "" {
		cfg.Telegram.APIBase = "https://api.telegram.org"
	}
	if cfg.Site.URL == "" {
		cfg.Site.URL = "https://www.metal.com/Lithium/201906260003"
	}
	if cfg.Site.Label == "" {
		cfg.Site.Label = "Spodumene Concentrate Index"
	}
	if cfg.Site.Unit == "" {
		cfg.Site.Unit = "USD/mt"
	}
	if cfg.Login.FillStrategy == "" {
		cfg.Login.FillStrategy = FillKeystroke
	}
	if cfg.Login.KeyDelay == 0 {
		cfg.Login.KeyDelay = 100 * time.Millisecond
	}
	if cfg.Login.SubmitPause == 0 {
		cfg.Login.SubmitPause = time.Second
	}
	if cfg.Login.TriggerActivation == "" {
		cfg.Login.TriggerActivation = ActivateDispatch
	}
	if cfg.Login.ReloadAfterLogin == nil {
		cfg.Login.ReloadAfterLogin = boolPtr(true)
	}
	defaultSelectors(&cfg.Selectors)
	defaultTimeouts(&cfg.Timeouts)
	if cfg.Browser.UserAgent == "" {
		cfg.Browser.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if cfg.Browser.Width == 0 {
		cfg.Browser.Width = 1280
	}
	if cfg.Browser.Height == 0 {
		cfg.Browser.Height = 800
	}
	if cfg.Session.Path == "" {
		cfg.Session.Path = "state.json"
	}
	if cfg.Diagnostics.ScreenshotPath == "" {
		cfg.Diagnostics.ScreenshotPath = "error_screenshot.png"
	}
	if cfg.Diagnostics.FailureLimit == 0 {
		cfg.Diagnostics.FailureLimit = 100
	}
	if cfg.Schedule.Cron == "" {
		cfg.Schedule.Cron = "0 30 9 * * *"
	}
	if cfg.Schedule.ActiveDays == "" {
		cfg.Schedule.ActiveDays = "MON-FRI"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func defaultSelectors(s *Selectors) {
	if len(s.AuthMarker) == 0 {
		s.AuthMarker = []string{"div[class*='__avg']"}
	}
	if len(s.LoginTrigger) == 0 {
		s.LoginTrigger = []string{"text=Sign In"}
	}
	if len(s.Identifier) == 0 {
		s.Identifier = []string{`input[type="email"]`, `input[placeholder*="Email"]`, "#account"}
	}
	if len(s.Secret) == 0 {
		s.Secret = []string{`input[type="password"]`}
	}
	if len(s.Submit) == 0 {
		s.Submit = []string{"text=Sign in", ".ant-btn-primary", `button[type="submit"]`}
	}
	if len(s.LoginSurface) == 0 {
		s.LoginSurface = []string{".ant-modal", ".signInButton"}
	}
	if len(s.Price) == 0 {
		s.Price = []string{"div[class*='__avg']"}
	}
	if len(s.QuoteBlock) == 0 {
		s.QuoteBlock = []string{"div[class*='PriceWrap']"}
	}
	if len(s.Change) == 0 {
		s.Change = []string{"div[class*='Change']"}
	}
}

func defaultTimeouts(t *Timeouts) {
	if t.Run == 0 {
		t.Run = 5 * time.Minute
	}
	if t.Navigation == 0 {
		t.Navigation = 60 * time.Second
	}
	if t.LoginSurface == 0 {
		t.LoginSurface = 15 * time.Second
	}
	if t.Verify == 0 {
		t.Verify = 20 * time.Second
	}
	if t.Recheck == 0 {
		t.Recheck = 20 * time.Second
	}
	if t.Extract == 0 {
		t.Extract = 30 * time.Second
	}
	if t.QuoteBlock == 0 {
		t.QuoteBlock = 5 * time.Second
	}
	if t.Poll == 0 {
		t.Poll = 250 * time.Millisecond
	}
}

// Validate checks that all required fields are set. The Telegram token and
// chat ids are not required; the dispatcher reports their absence.
func (c *Config) Validate() error {
	if c.Site.URL == "" {
		return fmt.Errorf("site.url is required")
	}
	if c.Credentials.Identifier == "" {
		return fmt.Errorf("credentials.email is required")
	}
	if c.Credentials.Secret == "" {
		return fmt.Errorf("credentials.password is required")
	}
	switch c.Login.FillStrategy {
	case FillKeystroke, FillInject:
	default:
		return fmt.Errorf("login.fill_strategy must be %q or %q, got %q", FillKeystroke, FillInject, c.Login.FillStrategy)
	}
	switch c.Login.TriggerActivation {
	case ActivateDispatch, ActivatePointer:
	default:
		return fmt.Errorf("login.trigger_activation must be %q or %q, got %q", ActivateDispatch, ActivatePointer, c.Login.TriggerActivation)
	}
	if _, err := ParseDayPolicy(c.Schedule.ActiveDays); err != nil {
		return fmt.Errorf("schedule.active_days: %w", err)
	}
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	for name, list := range map[string][]string{
		"auth_marker":   c.Selectors.AuthMarker,
		"login_trigger": c.Selectors.LoginTrigger,
		"identifier":    c.Selectors.Identifier,
		"secret":        c.Selectors.Secret,
		"submit":        c.Selectors.Submit,
		"login_surface": c.Selectors.LoginSurface,
		"price":         c.Selectors.Price,
		"quote_block":   c.Selectors.QuoteBlock,
		"change":        c.Selectors.Change,
	} {
		if len(list) == 0 {
			return fmt.Errorf("selectors.%s needs at least one candidate", name)
		}
	}
	if c.Timeouts.Run <= 0 {
		return fmt.Errorf("timeouts.run must be positive")
	}
	return nil
}

// Recipients returns the parsed Telegram chat id list.
func (c *Config) Recipients() []string {
	return ParseRecipients(c.Telegram.ChatID)
}

// ReloadAfterLogin reports whether the target page is reloaded after a fresh login.
func (c *Config) ReloadAfterLogin() bool {
	return c.Login.ReloadAfterLogin == nil || *c.Login.ReloadAfterLogin
}

// ShowWindow reports whether the browser runs with a visible window.
func (c *Config) ShowWindow() bool {
	return c.Browser.ShowWindow != nil && *c.Browser.ShowWindow
}

// StripPercentage reports whether the parenthesised percentage is dropped
// from the change line.
func (c *Config) StripPercentage() bool {
	return c.Report.StripPercentage != nil && *c.Report.StripPercentage
}

func boolPtr(v bool) *bool { return &v }
