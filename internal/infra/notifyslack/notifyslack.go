// Package notifyslack implements domain.Subscriber by posting instance
// notifications to Slack channels, grounded on the slack-go client idiom
// from the pack's Slack notifier (PostMessageContext + MsgOption
// composition). A no-op when no bot token is configured, so a domain can
// declare a slack subscriber without requiring Slack in every deployment.
package notifyslack

import (
	"context"
	"fmt"
	"log"

	goslack "github.com/slack-go/slack"

	"github.com/oldpatricka/epu/internal/domain"
)

// Sink posts EPUM/PDC instance notifications to Slack. The subscriberName
// passed to NotifyByName is treated as the destination channel ID; op is
// folded into the message text as the notification's label.
type Sink struct {
	client *goslack.Client
}

var _ domain.Subscriber = (*Sink)(nil)

// NewSink builds a Sink posting with botToken. A zero-value Sink (empty
// botToken) is a valid no-op subscriber.
func NewSink(botToken string) *Sink {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Sink{client: client}
}

// Enabled reports whether this sink has a live Slack client.
func (s *Sink) Enabled() bool { return s.client != nil }

// NotifyByName posts n to the Slack channel named by subscriberName. A
// disabled sink logs and returns nil rather than failing the caller — the
// reactor already treats subscriber errors as log-and-continue (spec.md
// §6), so this mirrors that policy at the transport boundary too.
func (s *Sink) NotifyByName(ctx context.Context, subscriberName, op string, n domain.InstanceNotification) error {
	if !s.Enabled() {
		log.Printf("[notifyslack] disabled, dropping notification for %s (op=%s): %+v", subscriberName, op, n)
		return nil
	}

	text := fmt.Sprintf("%s instance %s in domain %s is now %s", op, n.InstanceID, n.DomainID, n.State)
	_, _, err := s.client.PostMessageContext(ctx, subscriberName, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to slack channel %s: %w", subscriberName, err)
	}
	return nil
}
