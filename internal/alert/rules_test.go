package alert

import (
	"fmt"
	"testing"
	"time"

	"metal-sentinel/internal/domain"
)

type stubFormatter struct{}

func (stubFormatter) PriceAlert(severity domain.Severity, metal string, price, changePercent, changeValue float64, timeframeMinutes int) string {
	return fmt.Sprintf("price %s %s %.2f %.2f%%", severity, metal, price, changePercent)
}

func (stubFormatter) TechnicalProximity(metal string, price float64, level domain.TechnicalLevel, distancePercent float64) string {
	return fmt.Sprintf("prox %s %s", metal, level.Name)
}

func (stubFormatter) TechnicalBreak(metal string, price float64, level domain.TechnicalLevel, direction string) string {
	return fmt.Sprintf("break %s %s %s", metal, level.Name, direction)
}

func (stubFormatter) Whale(m domain.WhaleMovement) string {
	return "whale " + m.TxHash
}

func (stubFormatter) COT(metal string, report domain.COTReport, signal string) string {
	return "cot " + metal + " " + signal
}

func (stubFormatter) CalendarReminder(event domain.CalendarEvent, stage string) string {
	return "cal " + event.Title + " " + stage
}

func (stubFormatter) SuspiciousMove(metal string, changePercent float64, source string) string {
	return fmt.Sprintf("suspect %s %.1f%% from %s", metal, changePercent, source)
}

func TestFingerprintHourBucket(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 14, 10, 0, 0, time.UTC)

	if Fingerprint("price:XAU:critical", at) != Fingerprint("price:XAU:critical", at.Add(40*time.Minute)) {
		t.Error("same key in the same hour bucket must match")
	}
	if Fingerprint("price:XAU:critical", at) == Fingerprint("price:XAU:critical", at.Add(time.Hour)) {
		t.Error("same key across hour buckets must differ")
	}
	if Fingerprint("price:XAU:critical", at) == Fingerprint("price:XAG:critical", at) {
		t.Error("different keys must differ")
	}
}

func TestPriceChangeRule(t *testing.T) {
	t.Parallel()

	r := NewRules(stubFormatter{}, 0)

	a := r.PriceChange(domain.SeverityCritical, "XAU", 2000, 2.56, 50, 15)
	if a.Priority != 3 || !a.RequiresEnrichment || a.Category != domain.CategoryPrice {
		t.Errorf("critical alert = %+v", a)
	}

	info := r.PriceChange(domain.SeverityInfo, "XAG", 25, 0.6, 0.15, 1440)
	if info.Priority != 1 || info.RequiresEnrichment {
		t.Errorf("info alert = %+v", info)
	}
}

func TestTechnicalRules(t *testing.T) {
	t.Parallel()

	r := NewRules(stubFormatter{}, 0)
	level := domain.TechnicalLevel{Name: domain.LevelPivotR1, Value: 2053.33, Kind: domain.LevelResistance}

	prox := r.TechnicalProximity("XAU", 2050, level, 0.16)
	if prox.Severity != domain.SeverityImportant || prox.Priority != 2 || !prox.RequiresEnrichment {
		t.Errorf("proximity alert = %+v", prox)
	}

	brk := r.TechnicalBreak("XAU", 2056, 2050, level, "up")
	if brk.Severity != domain.SeverityCritical || brk.Priority != 3 {
		t.Errorf("break alert = %+v", brk)
	}
	if brk.Fingerprint == prox.Fingerprint {
		t.Error("break and proximity must not share a fingerprint")
	}
}

func TestWhaleRuleThreshold(t *testing.T) {
	t.Parallel()

	r := NewRules(stubFormatter{}, 1_000_000)

	if a := r.Whale(domain.WhaleMovement{TxHash: "0xsmall", ValueUSD: 500_000}); a != nil {
		t.Errorf("below-threshold movement produced alert %+v", a)
	}

	a := r.Whale(domain.WhaleMovement{TxHash: "0xbig", ValueUSD: 2_000_000, Token: "PAXG"})
	if a == nil {
		t.Fatal("above-threshold movement must alert")
	}
	if a.Metal != "XAU" || a.Severity != domain.SeverityImportant {
		t.Errorf("whale alert = %+v", a)
	}
}

func TestCOTRule(t *testing.T) {
	t.Parallel()

	r := NewRules(stubFormatter{}, 0)
	date := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)

	quiet := domain.COTReport{Metal: "XAU", ReportDate: date, ManagedMoneyNet: 1000, ManagedMoneyChange: 500, OpenInterest: 100000}
	if a := r.COT(quiet); a != nil {
		t.Errorf("quiet report produced alert %+v", a)
	}

	crowded := domain.COTReport{Metal: "XAU", ReportDate: date, ManagedMoneyNet: 40000, OpenInterest: 100000}
	a := r.COT(crowded)
	if a == nil {
		t.Fatal("crowded positioning must alert")
	}
	if a.Severity != domain.SeverityInfo || a.Priority != 1 {
		t.Errorf("cot alert = %+v", a)
	}

	bigShift := domain.COTReport{Metal: "XAG", ReportDate: date, ManagedMoneyChange: 25000, OpenInterest: 100000}
	if a := r.COT(bigShift); a == nil {
		t.Error("large weekly change must alert")
	}
}

func TestCalendarRuleStages(t *testing.T) {
	t.Parallel()

	r := NewRules(stubFormatter{}, 0)
	event := domain.CalendarEvent{Title: "FOMC decision", EventType: "fomc"}

	week := r.Calendar(event, "7d")
	if week.Severity != domain.SeverityInfo || week.Priority != 1 {
		t.Errorf("7d alert = %+v", week)
	}

	day := r.Calendar(event, "1d")
	if day.Severity != domain.SeverityImportant || !day.RequiresEnrichment {
		t.Errorf("1d alert = %+v", day)
	}

	hour := r.Calendar(event, "1h")
	if hour.Priority != 2 {
		t.Errorf("1h alert = %+v", hour)
	}

	result := r.Calendar(event, "result")
	if result.Severity != domain.SeverityCritical || result.Priority != 2 {
		t.Errorf("result alert = %+v", result)
	}
	if result.Metal != "" {
		t.Errorf("calendar alerts carry no instrument, got %q", result.Metal)
	}
}

func TestSuspiciousMoveRule(t *testing.T) {
	t.Parallel()

	r := NewRules(stubFormatter{}, 0)
	a := r.SuspiciousMove("XNI", -35.2, "metals.live")
	if a.Severity != domain.SeverityInfo || a.Priority != 1 || a.RequiresEnrichment {
		t.Errorf("suspicious alert = %+v", a)
	}
}
