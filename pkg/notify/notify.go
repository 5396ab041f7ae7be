// Package notify sends instance lifecycle notifications to the ops channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/wisbric/chainowl/pkg/instance"
)

// Notifier posts instance lifecycle events to Slack. If no bot token is
// configured the notifier is a noop.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. With an empty botToken or channel it posts
// nothing.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a Slack client and a channel.
func (n *Notifier) IsEnabled() bool {
	return n != nil && n.client != nil && n.channel != ""
}

// InstanceLaunched announces a freshly launched instance.
func (n *Notifier) InstanceLaunched(ctx context.Context, rec *instance.Record) {
	remaining := time.Until(time.Unix(int64(rec.ExpiresAt), 0)).Truncate(time.Second)
	n.post(ctx, fmt.Sprintf(":rocket: instance `%s` launched (%d nodes, expires in %s)",
		rec.InstanceID, len(rec.AnvilInstances), remaining))
}

// InstanceKilled announces an explicit deletion.
func (n *Notifier) InstanceKilled(ctx context.Context, rec *instance.Record) {
	n.post(ctx, fmt.Sprintf(":wastebasket: instance `%s` deleted", rec.InstanceID))
}

// InstanceReaped announces a reaper-driven termination.
func (n *Notifier) InstanceReaped(ctx context.Context, rec *instance.Record) {
	n.post(ctx, fmt.Sprintf(":hourglass: instance `%s` expired and was reaped", rec.InstanceID))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting slack notification", "error", err)
	}
}
