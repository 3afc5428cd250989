package bot

import (
	"fmt"
	"strings"
	"time"

	"metal-sentinel/internal/domain"
)

// MessageFormatter renders alerts as plain-text Telegram messages.
type MessageFormatter struct{}

func NewMessageFormatter() *MessageFormatter { return &MessageFormatter{} }

func severityTag(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "CRITICAL"
	case domain.SeverityImportant:
		return "IMPORTANT"
	default:
		return "INFO"
	}
}

func timeframeText(minutes int) string {
	switch {
	case minutes <= 15:
		return "15min"
	case minutes <= 60:
		return "1h"
	default:
		return "24h"
	}
}

func formatPrice(v float64) string {
	if v >= 1000 {
		return fmt.Sprintf("$%.2f", v)
	}
	return fmt.Sprintf("$%.4f", v)
}

func (f *MessageFormatter) PriceAlert(severity domain.Severity, metal string, price, changePercent, changeValue float64, timeframeMinutes int) string {
	direction := "UP"
	if changePercent < 0 {
		direction = "DOWN"
	}
	return fmt.Sprintf(
		"[%s] %s | %s\n%+.2f%% (%+.2f) in %s\nPrice: %s",
		severityTag(severity), direction, domain.FormatMetal(metal),
		changePercent, changeValue, timeframeText(timeframeMinutes),
		formatPrice(price),
	)
}

func (f *MessageFormatter) TechnicalProximity(metal string, price float64, level domain.TechnicalLevel, distancePercent float64) string {
	msg := fmt.Sprintf(
		"[TECHNICAL] %s\nApproaching %s zone %s\nPrice: %s\nLevel: %s = %s\nDistance: %.2f%%",
		domain.FormatMetal(metal), string(level.Kind), level.Name,
		formatPrice(price), level.Name, formatPrice(level.Value),
		distancePercent,
	)
	if level.Touches > 1 {
		msg += fmt.Sprintf("\nTouched %d times recently", level.Touches)
	}
	return msg
}

func (f *MessageFormatter) TechnicalBreak(metal string, price float64, level domain.TechnicalLevel, direction string) string {
	action := "Broke resistance"
	if direction == "down" {
		action = "Lost support"
	}
	return fmt.Sprintf(
		"[BREAK] %s\n%s %s = %s\nPrice: %s\nAwait close confirmation",
		domain.FormatMetal(metal), action, level.Name, formatPrice(level.Value),
		formatPrice(price),
	)
}

func (f *MessageFormatter) Whale(m domain.WhaleMovement) string {
	return fmt.Sprintf(
		"[WHALE] %s transfer\nValue: $%.0f\nDirection: %s\nTx: %s",
		m.Token, m.ValueUSD, m.Direction, m.TxHash,
	)
}

func (f *MessageFormatter) COT(metal string, report domain.COTReport, signal string) string {
	return fmt.Sprintf(
		"[COT] %s | week of %s\nManaged money net: %+.0f (%+.0f w/w)\nOpen interest: %.0f\n%s",
		domain.FormatMetal(metal), report.ReportDate.Format("2006-01-02"),
		report.ManagedMoneyNet, report.ManagedMoneyChange, report.OpenInterest,
		signal,
	)
}

func (f *MessageFormatter) CalendarReminder(event domain.CalendarEvent, stage string) string {
	var when string
	switch stage {
	case "7d":
		when = "in 7 days"
	case "1d":
		when = "tomorrow"
	case "1h":
		when = "in 1 hour"
	default:
		when = "results out"
	}
	msg := fmt.Sprintf(
		"[CALENDAR] %s %s\n%s UTC",
		event.Title, when, event.EventTime.UTC().Format("2006-01-02 15:04"),
	)
	if event.Impact != "" {
		msg += "\nImpact: " + strings.ToUpper(event.Impact)
	}
	if event.Description != "" {
		msg += "\n" + event.Description
	}
	return msg
}

func (f *MessageFormatter) SuspiciousMove(metal string, changePercent float64, source string) string {
	return fmt.Sprintf(
		"[SUSPECT] %s moved %.1f%% in one cycle (source: %s)\nVerify before acting",
		domain.FormatMetal(metal), changePercent, source,
	)
}

// FormatStatus renders the /status command reply.
func FormatStatus(enabled bool, silencedUntil time.Time, filters []string, sentThisHour, queueLen int, now time.Time) string {
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	msg := fmt.Sprintf("Alerts: %s\nSent this hour: %d\nQueued: %d", state, sentThisHour, queueLen)
	if silencedUntil.After(now) {
		msg += fmt.Sprintf("\nSilenced until %s UTC", silencedUntil.UTC().Format("15:04"))
	}
	if len(filters) > 0 {
		msg += "\nFilter: " + strings.Join(filters, ", ")
	}
	return msg
}
