// Package notify pushes run completion messages to Telegram. It plugs into
// the orchestrator as a RunListener and stays silent about anything but
// finished and deferred runs.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

func New(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram notifier needs token and chat_id")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

func (n *Notifier) BeforeRun(runID string, pattern run.Pattern) {}

func (n *Notifier) BeforeTask(runID, unitID string) {}

func (n *Notifier) AfterTask(runID, unitID string, res task.Result) {}

func (n *Notifier) AfterRun(runID string, final *run.State) {
	n.send(formatCompletion(runID, final))
}

func (n *Notifier) RunDeferred(runID string, st *run.State) {
	n.send(formatCompletion(runID, st))
}

func formatCompletion(runID string, final *run.State) string {
	if final.Status == run.StatusAwaitingDecision && final.Aggregate != nil {
		return fmt.Sprintf("%s run %s needs a decision between %d options",
			final.Pattern, runID, len(final.Aggregate.Options))
	}
	return fmt.Sprintf("%s run %s finished: %s (%d/%d units succeeded)",
		final.Pattern, runID, final.Status, final.Succeeded(), len(final.Statuses))
}

func (n *Notifier) send(text string) {
	_, err := n.bot.SendMessage(context.Background(), tu.Message(tu.ID(n.chatID), text))
	if err != nil {
		slog.Error("telegram notification failed", "error", err)
	}
}
