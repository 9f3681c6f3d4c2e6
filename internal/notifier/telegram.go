// Package notifier delivers run reports to Telegram chats and answers chat
// commands.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/louca1221/price-tracker/internal/model"
)

// ErrConfigurationMissing means there is no bot token or no recipient.
var ErrConfigurationMissing = errors.New("notification channel not configured")

// DeliveryError is a failed send to one recipient.
type DeliveryError struct {
	Recipient   string
	Description string
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("deliver to %s: %s", e.Recipient, e.Description)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TelegramOptions configures a TelegramNotifier.
type TelegramOptions struct {
	BotToken   string
	Recipients []string
	APIBase    string
	ParseMode  string
	Proxy      string
	// SendTimeout bounds one sendMessage call. Zero means 30s.
	SendTimeout time.Duration
	// Parallel caps concurrent sends. Zero means 4.
	Parallel int
}

// TelegramNotifier sends messages via the Telegram Bot API.
type TelegramNotifier struct {
	token       string
	recipients  []string
	parseMode   string
	sendTimeout time.Duration
	parallel    int
	client      *resty.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier creates a notifier with optional proxy support.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	base := opts.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	client := resty.New().SetBaseURL(strings.TrimRight(base, "/"))
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}
	t := &TelegramNotifier{
		token:       opts.BotToken,
		recipients:  opts.Recipients,
		parseMode:   opts.ParseMode,
		sendTimeout: opts.SendTimeout,
		parallel:    opts.Parallel,
		client:      client,
		logger:      logger.With().Str("component", "telegram").Logger(),
	}
	if t.sendTimeout <= 0 {
		t.sendTimeout = 30 * time.Second
	}
	if t.parallel <= 0 {
		t.parallel = 4
	}
	return t
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers text to every recipient independently. Deliveries are
// reported in recipient order; one failure never stops the others.
func (t *TelegramNotifier) Send(ctx context.Context, text string) model.DeliveryReport {
	if t.token == "" || len(t.recipients) == 0 {
		t.logger.Error().Bool("token_set", t.token != "").Int("recipients", len(t.recipients)).
			Msg("refusing to send: channel not configured")
		return model.DeliveryReport{Err: ErrConfigurationMissing}
	}

	report := model.DeliveryReport{Deliveries: make([]model.Delivery, len(t.recipients))}
	var g errgroup.Group
	g.SetLimit(t.parallel)
	for i, chatID := range t.recipients {
		g.Go(func() error {
			d := model.Delivery{Recipient: chatID, OK: true}
			if err := t.sendOne(ctx, chatID, text); err != nil {
				d.OK = false
				d.Error = err.Error()
				t.logger.Warn().Str("recipient", chatID).Err(err).Msg("delivery failed")
			} else {
				t.logger.Info().Str("recipient", chatID).Msg("message delivered")
			}
			report.Deliveries[i] = d
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (t *TelegramNotifier) sendOne(ctx context.Context, chatID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	form := map[string]string{"chat_id": chatID, "text": text}
	if t.parseMode != "" {
		form["parse_mode"] = t.parseMode
	}

	var body apiResponse
	res, err := t.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&body).
		SetError(&body).
		Post(t.endpoint("sendMessage"))
	if err != nil {
		return &DeliveryError{Recipient: chatID, Err: t.redact(err)}
	}
	if !res.IsSuccess() || !body.OK {
		desc := body.Description
		if desc == "" {
			desc = res.Status()
		}
		return &DeliveryError{Recipient: chatID, Description: desc}
	}
	return nil
}

func (t *TelegramNotifier) endpoint(method string) string {
	return "/bot" + t.token + "/" + method
}

// redact keeps the bot token out of transport errors, which quote the URL.
func (t *TelegramNotifier) redact(err error) error {
	if t.token == "" || !strings.Contains(err.Error(), t.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), t.token, "<token>"))
}
