// Package notify delivers escalation notifications to Slack. It is the
// domain-stack counterpart to the ledger's own durable escalate receipts:
// the receipt is the record of truth, this is a best-effort page so a human
// notices sooner. A missing bot token disables the notifier without
// affecting anything else in the fabric.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/obligate/fabric/pkg/receipt"
)

// Notifier posts escalation notifications to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier is a
// no-op — escalation delivery is a convenience, not load-bearing.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has both a client and a target
// channel configured.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostEscalation sends a notification for an escalate-phase receipt.
func (n *Notifier) PostEscalation(ctx context.Context, rec *receipt.Receipt) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping escalation post",
			"receipt_id", rec.ReceiptID, "task_id", rec.TaskID)
		return nil
	}

	text := fmt.Sprintf(":rotating_light: escalation [%s] task %s → %s: %s",
		rec.EscalationClass, rec.TaskID, rec.EscalationTo, rec.EscalationReason)

	blocks := escalationBlocks(rec)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting escalation to slack: %w", err)
	}

	n.logger.Info("posted escalation to slack", "receipt_id", rec.ReceiptID, "task_id", rec.TaskID)
	return nil
}

func escalationBlocks(rec *receipt.Receipt) []goslack.Block {
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, "Task escalated", false, false))

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Task:*\n%s", rec.TaskID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Class:*\n%s", rec.EscalationClass), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*To:*\n%s", rec.EscalationTo), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Reason:*\n%s", rec.EscalationReason), false, false),
	}
	fieldsBlock := goslack.NewSectionBlock(nil, fields, nil)

	return []goslack.Block{header, fieldsBlock}
}
