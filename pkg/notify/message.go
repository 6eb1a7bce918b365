package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

func section(text string) goslack.Block {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
		nil, nil,
	)
}

// BuildProcessFailedMessage creates Block Kit blocks for an agent process
// that exited with a non-zero code.
func BuildProcessFailedMessage(pid int, uid, role string, exitCode int) []goslack.Block {
	text := fmt.Sprintf(":x: *Agent failed*: `%s` (pid %d, role %s) exited with code %d",
		uid, pid, role, exitCode)
	return []goslack.Block{section(text)}
}

// BuildQuotaExceededMessage creates Block Kit blocks for a pre-empted
// over-quota process.
func BuildQuotaExceededMessage(pid int, reason string) []goslack.Block {
	text := fmt.Sprintf(":octagonal_sign: *Quota exceeded*: pid %d pre-empted: %s",
		pid, reason)
	return []goslack.Block{section(text)}
}

// BuildWebhookDLQMessage creates Block Kit blocks for a webhook delivery
// that exhausted its retries.
func BuildWebhookDLQMessage(webhookID, url, errMsg string) []goslack.Block {
	text := fmt.Sprintf(":mailbox_with_no_mail: *Webhook dead-lettered*: `%s` to %s",
		webhookID, url)
	if errMsg != "" {
		text += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(errMsg))
	}
	return []goslack.Block{section(text)}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
