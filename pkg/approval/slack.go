package approval

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/hshk99/autopack/pkg/domain"
)

// SlackNotifier posts a risk summary and decide-link to a configured Slack
// channel for each newly opened approval request. Slack is one transport
// among possibly several a deployment could wire in - the Gateway only
// depends on the Notifier interface.
type SlackNotifier struct {
	client        *slack.Client
	channel       string
	decideLinkBase string
}

// NewSlackNotifier builds a SlackNotifier posting to channel via a token
// obtained out of band. decideLinkBase is prefixed to
// the approval ID to build the operator decide-link, e.g.
// "https://autopack.example.com/approvals/".
func NewSlackNotifier(token, channel, decideLinkBase string) *SlackNotifier {
	return &SlackNotifier{
		client:         slack.New(token),
		channel:        channel,
		decideLinkBase: decideLinkBase,
	}
}

// Notify posts req's risk summary and decide link to the configured channel.
func (n *SlackNotifier) Notify(ctx context.Context, req domain.ApprovalRequest) error {
	text := fmt.Sprintf(
		"Approval required for phase `%s` (risk: %s, category: %s)\nTime remaining: %s\nDecide: %s%s",
		req.PhaseID,
		req.Risk.RiskLevel,
		req.Risk.DecisionCategory,
		ComputeTimeRemaining(req.ExpiresAt, req.CreatedAt),
		n.decideLinkBase,
		req.ApprovalID,
	)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return err
}
