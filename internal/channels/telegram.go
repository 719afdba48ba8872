package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/fleetdeck/internal/bus"
	"github.com/basket/fleetdeck/internal/monitor"
)

// TelegramChannel pushes agent failure alerts to allowed Telegram chats and
// answers /status queries against the console.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	console    *monitor.Console
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, console *monitor.Console, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		console:    console,
		logger:     logger.With("component", "telegram"),
		eventBus:   eventBus,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorFailures(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	switch strings.TrimSpace(msg.Text) {
	case "/status", "/status@" + t.bot.Self.UserName:
		t.reply(msg.Chat.ID, FormatStatus(t.console.Stats(), t.console.EntityCount()))
	case "/help", "/start":
		t.reply(msg.Chat.ID, "Commands:\n/status - fleet summary")
	}
}

// monitorFailures forwards agent failure events to all allowed chats.
func (t *TelegramChannel) monitorFailures(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe(bus.TopicAgentFailed)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			failed, ok := ev.Payload.(bus.AgentFailedEvent)
			if !ok {
				continue
			}
			text := FormatAgentFailure(failed)
			for chatID := range t.allowedIDs {
				t.reply(chatID, text)
			}
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

// FormatAgentFailure renders a failure alert message.
func FormatAgentFailure(ev bus.AgentFailedEvent) string {
	name := ev.DisplayName
	if name == "" {
		name = ev.AgentID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "agent failed: %s", name)
	if ev.StepLabel != "" {
		fmt.Fprintf(&b, "\nlast step: %s", ev.StepLabel)
	}
	return b.String()
}

// FormatStatus renders the /status reply.
func FormatStatus(stats monitor.Stats, entityCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agents: %d active / %d total\n", stats.ActiveAgents, stats.TotalAgents)
	fmt.Fprintf(&b, "todos: %d done / %d total (%.0f%%)\n",
		stats.Global.Completed, stats.Global.Total, stats.GlobalRate*100)
	fmt.Fprintf(&b, "entities in memory: %d", entityCount)
	return b.String()
}
