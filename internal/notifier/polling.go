package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandHandler is called when an allowed chat sends a command. A non-empty
// return value is sent back to that chat.
type CommandHandler func(ctx context.Context, chatID, command string) string

// telegramUpdate represents a Telegram update from long polling.
type telegramUpdate struct {
	UpdateID int `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      []telegramUpdate `json:"result"`
}

// PollWait is the long-poll duration asked of getUpdates.
var PollWait = 30 * time.Second

// pollBackoff is the pause after a failed poll.
var pollBackoff = 5 * time.Second

// StartPolling long-polls for commands until ctx is cancelled. Only chats in
// the recipient list are answered.
func (t *TelegramNotifier) StartPolling(ctx context.Context, handler CommandHandler) {
	if t.token == "" {
		t.logger.Warn().Msg("no bot token, command polling disabled")
		return
	}
	offset := 0
	for {
		next, err := t.PollOnce(ctx, offset, handler)
		if ctx.Err() != nil {
			t.logger.Info().Msg("telegram polling stopped")
			return
		}
		if err != nil {
			t.logger.Warn().Err(err).Msg("polling request failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
			continue
		}
		offset = next
	}
}

// PollOnce fetches one batch of updates starting at offset, dispatches the
// commands in it and returns the next offset.
func (t *TelegramNotifier) PollOnce(ctx context.Context, offset int, handler CommandHandler) (int, error) {
	var body updatesResponse
	res, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  strconv.Itoa(offset),
			"timeout": strconv.Itoa(int(PollWait / time.Second)),
		}).
		SetResult(&body).
		SetError(&body).
		Get(t.endpoint("getUpdates"))
	if err != nil {
		return offset, t.redact(err)
	}
	if !res.IsSuccess() || !body.OK {
		return offset, fmt.Errorf("getUpdates: %s %s", res.Status(), body.Description)
	}

	allowed := make(map[string]bool, len(t.recipients))
	for _, r := range t.recipients {
		allowed[r] = true
	}
	for _, update := range body.Result {
		offset = update.UpdateID + 1
		if update.Message == nil || update.Message.Text == "" {
			continue
		}
		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		if !allowed[chatID] {
			t.logger.Warn().Str("chat", chatID).Msg("ignoring command from unknown chat")
			continue
		}
		text := strings.TrimSpace(update.Message.Text)
		t.logger.Info().Str("chat", chatID).Str("command", text).Msg("received command")
		if reply := handler(ctx, chatID, text); reply != "" {
			if err := t.sendOne(ctx, chatID, reply); err != nil {
				t.logger.Error().Err(err).Msg("send reply")
			}
		}
	}
	return offset, nil
}
