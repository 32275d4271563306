// Package notify posts operational summaries to Slack. Notification
// failures are logged and swallowed: triage never blocks on chat.
package notify

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"
)

type Notifier interface {
	LearningRun(tier string, batchEnd int64, changelog string)
	VersionCommitted(versionID int64, author, changelog string)
	RolledBack(fromVersion, toVersion int64)
}

// Noop is used when no Slack token is configured.
type Noop struct{}

func (Noop) LearningRun(string, int64, string)      {}
func (Noop) VersionCommitted(int64, string, string) {}
func (Noop) RolledBack(int64, int64)                {}

type SlackNotifier struct {
	api       *slack.Client
	channelID string
}

func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{
		api:       slack.New(botToken),
		channelID: channelID,
	}
}

func (n *SlackNotifier) LearningRun(tier string, batchEnd int64, changelog string) {
	n.post(fmt.Sprintf("Learning run (%s) finished at feedback #%d: %s", tier, batchEnd, changelog))
}

func (n *SlackNotifier) VersionCommitted(versionID int64, author, changelog string) {
	n.post(fmt.Sprintf("Configuration v%d committed by %s: %s", versionID, author, changelog))
}

func (n *SlackNotifier) RolledBack(fromVersion, toVersion int64) {
	n.post(fmt.Sprintf(":leftwards_arrow_with_hook: Configuration rolled back from v%d to the content of v%d", fromVersion, toVersion))
}

func (n *SlackNotifier) post(msg string) {
	if n.channelID == "" {
		return
	}
	_, _, err := n.api.PostMessage(n.channelID, slack.MsgOptionText(msg, false))
	if err != nil {
		log.Printf("Slack notify error: %v", err)
	}
}
