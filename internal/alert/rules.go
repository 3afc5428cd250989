package alert

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"metal-sentinel/internal/domain"
)

// Formatter renders alert message bodies. Implemented by the bot package so
// rule logic stays free of presentation detail.
type Formatter interface {
	PriceAlert(severity domain.Severity, metal string, price, changePercent, changeValue float64, timeframeMinutes int) string
	TechnicalProximity(metal string, price float64, level domain.TechnicalLevel, distancePercent float64) string
	TechnicalBreak(metal string, price float64, level domain.TechnicalLevel, direction string) string
	Whale(m domain.WhaleMovement) string
	COT(metal string, report domain.COTReport, signal string) string
	CalendarReminder(event domain.CalendarEvent, stage string) string
	SuspiciousMove(metal string, changePercent float64, source string) string
}

// Fingerprint hashes a condition key with the current UTC hour bucket, so a
// condition re-fires at most once per hour.
func Fingerprint(key string, now time.Time) string {
	bucket := now.UTC().Format("2006010215")
	sum := md5.Sum([]byte(key + ":" + bucket))
	return hex.EncodeToString(sum[:])
}

// Rules builds alert candidates. Each constructor fixes the severity,
// priority and enrichment flag for its category.
type Rules struct {
	formatter      Formatter
	whaleThreshold float64

	now func() time.Time
}

func NewRules(formatter Formatter, whaleThresholdUSD float64) *Rules {
	if whaleThresholdUSD <= 0 {
		whaleThresholdUSD = 1_000_000
	}
	return &Rules{
		formatter:      formatter,
		whaleThreshold: whaleThresholdUSD,
		now:            time.Now,
	}
}

func severityPriority(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityImportant:
		return 2
	default:
		return 1
	}
}

// PriceChange builds a tier-breach alert. Critical breaches request
// enrichment.
func (r *Rules) PriceChange(severity domain.Severity, metal string, price, changePercent, changeValue float64, timeframeMinutes int) *domain.Alert {
	return &domain.Alert{
		Severity:           severity,
		Category:           domain.CategoryPrice,
		Metal:              metal,
		Message:            r.formatter.PriceAlert(severity, metal, price, changePercent, changeValue, timeframeMinutes),
		Fingerprint:        Fingerprint(fmt.Sprintf("price:%s:%s", metal, severity), r.now()),
		Priority:           severityPriority(severity),
		RequiresEnrichment: severity == domain.SeverityCritical,
		Context: map[string]any{
			"current_price":  price,
			"change_percent": changePercent,
			"change_value":   changeValue,
			"timeframe_min":  timeframeMinutes,
		},
	}
}

func (r *Rules) TechnicalProximity(metal string, price float64, level domain.TechnicalLevel, distancePercent float64) *domain.Alert {
	return &domain.Alert{
		Severity:           domain.SeverityImportant,
		Category:           domain.CategoryTechnical,
		Metal:              metal,
		Message:            r.formatter.TechnicalProximity(metal, price, level, distancePercent),
		Fingerprint:        Fingerprint(fmt.Sprintf("tech_prox:%s:%s", metal, level.Name), r.now()),
		Priority:           2,
		RequiresEnrichment: true,
		Context: map[string]any{
			"current_price":    price,
			"level_name":       level.Name,
			"level_value":      level.Value,
			"level_kind":       string(level.Kind),
			"distance_percent": distancePercent,
		},
	}
}

func (r *Rules) TechnicalBreak(metal string, price, previousPrice float64, level domain.TechnicalLevel, direction string) *domain.Alert {
	return &domain.Alert{
		Severity:           domain.SeverityCritical,
		Category:           domain.CategoryTechnicalBreak,
		Metal:              metal,
		Message:            r.formatter.TechnicalBreak(metal, price, level, direction),
		Fingerprint:        Fingerprint(fmt.Sprintf("tech_break:%s:%s:%s", metal, level.Name, direction), r.now()),
		Priority:           3,
		RequiresEnrichment: true,
		Context: map[string]any{
			"current_price":  price,
			"previous_price": previousPrice,
			"level_name":     level.Name,
			"level_value":    level.Value,
			"direction":      direction,
		},
	}
}

// Whale returns nil when the transfer is below the alert threshold.
func (r *Rules) Whale(m domain.WhaleMovement) *domain.Alert {
	if m.ValueUSD < r.whaleThreshold {
		return nil
	}
	return &domain.Alert{
		Severity: domain.SeverityImportant,
		Category: domain.CategoryWhale,
		// Tracked tokens are gold proxies.
		Metal:       "XAU",
		Message:     r.formatter.Whale(m),
		Fingerprint: Fingerprint("whale:"+m.TxHash, r.now()),
		Priority:    2,
		Context: map[string]any{
			"tx_hash":   m.TxHash,
			"token":     m.Token,
			"value_usd": m.ValueUSD,
			"direction": m.Direction,
		},
	}
}

// COT returns nil unless positioning is crowded (|net/OI| > 30%) or the
// weekly change is large (> 20k contracts).
func (r *Rules) COT(report domain.COTReport) *domain.Alert {
	var mmPct float64
	if report.OpenInterest > 0 {
		mmPct = report.ManagedMoneyNet / report.OpenInterest * 100
	}

	var signal string
	switch {
	case mmPct > 30:
		signal = "Managed money heavily long, possible crowded trade"
	case mmPct < -30:
		signal = "Managed money heavily short, possible squeeze setup"
	case report.ManagedMoneyChange > 20000:
		signal = fmt.Sprintf("Large long build (+%.0f contracts)", report.ManagedMoneyChange)
	case report.ManagedMoneyChange < -20000:
		signal = fmt.Sprintf("Large long unwind (%.0f contracts)", report.ManagedMoneyChange)
	default:
		return nil
	}

	return &domain.Alert{
		Severity:    domain.SeverityInfo,
		Category:    domain.CategoryInstitutional,
		Metal:       report.Metal,
		Message:     r.formatter.COT(report.Metal, report, signal),
		Fingerprint: Fingerprint(fmt.Sprintf("cot:%s:%s", report.Metal, report.ReportDate.Format("2006-01-02")), r.now()),
		Priority:    1,
		Context: map[string]any{
			"mm_net":    report.ManagedMoneyNet,
			"mm_change": report.ManagedMoneyChange,
			"mm_pct":    mmPct,
			"signal":    signal,
		},
	}
}

// Calendar builds a reminder for one notification stage: "7d", "1d", "1h"
// or "result".
func (r *Rules) Calendar(event domain.CalendarEvent, stage string) *domain.Alert {
	var severity domain.Severity
	priority := 1
	enrich := false
	switch stage {
	case "7d":
		severity = domain.SeverityInfo
	case "1d":
		severity = domain.SeverityImportant
		enrich = true
	case "1h":
		severity = domain.SeverityImportant
		priority = 2
	default: // result
		severity = domain.SeverityCritical
		priority = 2
	}

	return &domain.Alert{
		Severity:           severity,
		Category:           domain.CategoryCalendar,
		Message:            r.formatter.CalendarReminder(event, stage),
		Fingerprint:        Fingerprint(fmt.Sprintf("cal:%s:%s", event.Title, stage), r.now()),
		Priority:           priority,
		RequiresEnrichment: enrich,
		Context: map[string]any{
			"event_type": event.EventType,
			"title":      event.Title,
			"impact":     event.Impact,
			"stage":      stage,
		},
	}
}

// SuspiciousMove flags a fused price jump beyond the sanity warning
// threshold. Info-only; it never outranks real tier alerts.
func (r *Rules) SuspiciousMove(metal string, changePercent float64, source string) *domain.Alert {
	return &domain.Alert{
		Severity:    domain.SeverityInfo,
		Category:    domain.CategoryPrice,
		Metal:       metal,
		Message:     r.formatter.SuspiciousMove(metal, changePercent, source),
		Fingerprint: Fingerprint("suspect:"+metal, r.now()),
		Priority:    1,
		Context: map[string]any{
			"change_percent": math.Abs(changePercent),
			"source":         source,
		},
	}
}
