package notifier

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/louca1221/price-tracker/internal/model"
)

// DateLayout is the timestamp layout of a price report.
const DateLayout = "Jan 02, 2006 - 15:04"

// DefaultFailureLimit is how many characters of a failure cause are sent.
const DefaultFailureLimit = 100

// Options tunes report rendering.
type Options struct {
	// StripPercentage drops a trailing "(+1.2%)" from the change figure.
	StripPercentage bool
}

var trailingPercent = regexp.MustCompile(`\s*\(\s*[+-]?[\d.,]+\s*%\s*\)\s*$`)

// TrendFor returns TrendDown when change starts with a minus sign and
// TrendUp otherwise, including for an empty change.
func TrendFor(change string) model.Trend {
	if strings.HasPrefix(change, "-") {
		return model.TrendDown
	}
	return model.TrendUp
}

// BuildReport pairs a quote with its timestamp and labels.
func BuildReport(ts time.Time, label, unit string, q model.Quote) model.Report {
	return model.Report{
		Timestamp: ts,
		Label:     label,
		Price:     q.Price,
		Unit:      unit,
		Change:    q.Change,
		Trend:     TrendFor(q.Change),
	}
}

// FormatReport renders a report as a Telegram message.
func FormatReport(r model.Report, opts Options) string {
	change := r.Change
	if opts.StripPercentage {
		change = trailingPercent.ReplaceAllString(change, "")
	}
	if change == "" {
		change = "n/a"
	}

	emoji := "📈"
	if r.Trend == model.TrendDown {
		emoji = "📉"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("📅 Date: %s\n", r.Timestamp.Format(DateLayout)))
	b.WriteString(fmt.Sprintf("📦 %s\n", r.Label))
	b.WriteString(fmt.Sprintf("💰 Price: %s %s\n", r.Price, r.Unit))
	b.WriteString(fmt.Sprintf("%s Change: %s", emoji, change))
	return b.String()
}

// FormatFailure renders a run failure, keeping the first limit characters
// of the cause.
func FormatFailure(cause error, limit int) string {
	if limit <= 0 {
		limit = DefaultFailureLimit
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if r := []rune(msg); len(r) > limit {
		msg = string(r[:limit])
	}
	return "❌ Scrape failed: " + msg
}

// FormatStatus renders the last run for the /status command.
func FormatStatus(last *model.RunResult) string {
	if last == nil {
		return "ℹ️ No run yet."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("ℹ️ Last run %s\n", last.RunID))
	b.WriteString(last.Summary())
	if last.DiagnosticPath != "" {
		b.WriteString(fmt.Sprintf("\nScreenshot: %s", last.DiagnosticPath))
	}
	return b.String()
}
