package notify

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

// FailedDimension is one SLO dimension that missed its target.
type FailedDimension struct {
	Name    string
	Current float64
	Target  float64
	Margin  float64
}

// BuildSLOViolationMessage creates Block Kit blocks for an SLO
// violation notification.
func BuildSLOViolationMessage(tenantID, domain string, failed []FailedDimension, runbooks []string) []goslack.Block {
	scope := tenantID
	if domain != "" {
		scope = fmt.Sprintf("%s / %s", tenantID, domain)
	}
	header := fmt.Sprintf(":rotating_light: *SLO violation* for `%s`", scope)

	var sb strings.Builder
	for _, dim := range failed {
		fmt.Fprintf(&sb, "• *%s*: current %.3f, target %.3f (margin %.3f)\n",
			dim.Name, dim.Current, dim.Target, dim.Margin)
	}
	if len(runbooks) > 0 {
		sb.WriteString("\n*Suggested runbooks:*\n")
		for _, rb := range runbooks {
			fmt.Fprintf(&sb, "• %s\n", rb)
		}
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(sb.String()), false, false),
			nil, nil,
		),
	}
}

// BuildBackpressureMessage creates Block Kit blocks for a load state
// transition alert.
func BuildBackpressureMessage(from, to string, utilization float64) []goslack.Block {
	emoji := ":warning:"
	if to == "NORMAL" {
		emoji = ":white_check_mark:"
	}
	text := fmt.Sprintf("%s *Backpressure state changed* %s → %s (utilization %.0f%%)",
		emoji, from, to, utilization*100)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
