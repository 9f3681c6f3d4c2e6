package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/louca1221/price-tracker/internal/browser"
	"github.com/louca1221/price-tracker/internal/config"
	"github.com/louca1221/price-tracker/internal/notifier"
	"github.com/louca1221/price-tracker/internal/runner"
	"github.com/louca1221/price-tracker/internal/session"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "tracker",
		Short:         "tracker logs into the price site, reads the index and posts it to Telegram.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(newRunCmd(flags), newDaemonCmd(flags))
	return cmd
}

// app is everything a command needs, built from config.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	notifier *notifier.TelegramNotifier
	runner   *runner.Runner
}

func setup(flags *rootFlags) (*app, error) {
	path := flags.configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger := newLogger(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}

	recipients := cfg.Recipients()
	logger.Info().
		Str("config", path).
		Str("target", cfg.Site.URL).
		Int("recipients", len(recipients)).
		Stringer("active_days", cfg.ActiveDays()).
		Msg("config loaded")

	tn := notifier.NewTelegramNotifier(notifier.TelegramOptions{
		BotToken:   cfg.Telegram.BotToken.Reveal(),
		Recipients: recipients,
		APIBase:    cfg.Telegram.APIBase,
		ParseMode:  cfg.Telegram.ParseMode,
		Proxy:      cfg.Proxy,
	}, logger)
	launcher := browser.NewChromeLauncher(browser.ChromeOptions{
		Headless:          !cfg.ShowWindow(),
		ExecPath:          cfg.Browser.ExecPath,
		Proxy:             cfg.Proxy,
		UserAgent:         cfg.Browser.UserAgent,
		Width:             cfg.Browser.Width,
		Height:            cfg.Browser.Height,
		NavigationTimeout: cfg.Timeouts.Navigation,
		SettleDelay:       cfg.Browser.SettleDelay,
	}, logger)
	store := session.NewFileStore(cfg.Session.Path, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		notifier: tn,
		runner:   runner.New(cfg, launcher, store, tn, logger),
	}, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		Level(lvl).
		With().Timestamp().Logger()
}
