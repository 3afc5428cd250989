package domain

import (
	"fmt"
	"time"
)

// MetalClass groups instruments for sanity-bound configuration.
type MetalClass string

const (
	ClassPrecious   MetalClass = "precious"
	ClassIndustrial MetalClass = "industrial"
	ClassStrategic  MetalClass = "strategic"
)

type Metal struct {
	Ticker string
	Name   string
	Class  MetalClass
	Tokens []string // on-chain proxies (e.g. PAXG for gold)
	ETFs   []string
}

var Metals = map[string]Metal{
	"XAU": {Ticker: "XAU", Name: "Gold", Class: ClassPrecious, Tokens: []string{"PAXG", "XAUT"}, ETFs: []string{"GLD", "IAU"}},
	"XAG": {Ticker: "XAG", Name: "Silver", Class: ClassPrecious, Tokens: []string{"SLVR"}, ETFs: []string{"SLV"}},
	"XPT": {Ticker: "XPT", Name: "Platinum", Class: ClassPrecious, ETFs: []string{"PPLT"}},
	"XPD": {Ticker: "XPD", Name: "Palladium", Class: ClassPrecious, ETFs: []string{"PALL"}},
	"XCU": {Ticker: "XCU", Name: "Copper", Class: ClassIndustrial, ETFs: []string{"CPER"}},
	"XAL": {Ticker: "XAL", Name: "Aluminum", Class: ClassIndustrial},
	"XNI": {Ticker: "XNI", Name: "Nickel", Class: ClassIndustrial},
	"XPB": {Ticker: "XPB", Name: "Lead", Class: ClassIndustrial},
	"XZN": {Ticker: "XZN", Name: "Zinc", Class: ClassIndustrial},
	"XSN": {Ticker: "XSN", Name: "Tin", Class: ClassIndustrial},
	"UX":  {Ticker: "UX", Name: "Uranium", Class: ClassStrategic, ETFs: []string{"URA"}},
	"FE":  {Ticker: "FE", Name: "Iron Ore", Class: ClassStrategic},
}

// SupportedMetals is the stable iteration order for collection cycles.
var SupportedMetals = []string{
	"XAU", "XAG", "XPT", "XPD",
	"XCU", "XAL", "XNI", "XPB", "XZN", "XSN",
	"UX", "FE",
}

func IsSupportedMetal(ticker string) bool {
	_, ok := Metals[ticker]
	return ok
}

// FormatMetal returns the display form "XAU Gold".
func FormatMetal(ticker string) string {
	if m, ok := Metals[ticker]; ok {
		return fmt.Sprintf("%s %s", m.Ticker, m.Name)
	}
	return ticker
}

// PriceObservation is one source's quote for one instrument.
// Optional numeric fields are zero when the source did not provide them.
type PriceObservation struct {
	Metal       string    `json:"metal"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	Unit        string    `json:"unit"`
	Bid         float64   `json:"bid,omitempty"`
	Ask         float64   `json:"ask,omitempty"`
	High24h     float64   `json:"high_24h,omitempty"`
	Low24h      float64   `json:"low_24h,omitempty"`
	Open        float64   `json:"open,omitempty"`
	Volume      float64   `json:"volume,omitempty"`
	Source      string    `json:"source"`
	Reliability int       `json:"reliability"`
	Timestamp   time.Time `json:"timestamp"`
}

func (o PriceObservation) Valid() bool {
	return o.Price > 0 && o.Reliability >= 0 && o.Reliability <= 100
}

// FusedPrice is the single winning observation per instrument after a fusion
// cycle, plus the change relative to the prior fused price.
type FusedPrice struct {
	PriceObservation
	ChangePercent float64 `json:"change_percent"`
	ChangeValue   float64 `json:"change_value"`
}

// PricePoint is one entry of the rolling price/volume history.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume,omitempty"`
}

type LevelKind string

const (
	LevelSupport    LevelKind = "support"
	LevelResistance LevelKind = "resistance"
)

// Enumerated level names. Volume-zone and multi-touch levels are numbered
// (hv_zone_1, multi_touch_1, ...) via the helper constructors below.
const (
	LevelMax52   = "max_52w"
	LevelMin52   = "min_52w"
	LevelSMA50   = "sma_50"
	LevelSMA200  = "sma_200"
	LevelPivotPP = "pivot_pp"
	LevelPivotR1 = "pivot_r1"
	LevelPivotR2 = "pivot_r2"
	LevelPivotR3 = "pivot_r3"
	LevelPivotS1 = "pivot_s1"
	LevelPivotS2 = "pivot_s2"
	LevelPivotS3 = "pivot_s3"
	LevelVWAP    = "vwap"
)

func VolumeZoneLevelName(n int) string { return fmt.Sprintf("hv_zone_%d", n) }
func MultiTouchLevelName(n int) string { return fmt.Sprintf("multi_touch_%d", n) }

// TechnicalLevel identity is (Metal, Name); the whole set for a metal is
// recomputed and replaced each cycle.
type TechnicalLevel struct {
	Metal     string    `json:"metal"`
	Kind      LevelKind `json:"kind"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Strength  int       `json:"strength"`
	Touches   int       `json:"touches,omitempty"`
	LastTouch time.Time `json:"last_touch,omitempty"`
}

// PivotSet holds classic floor-trader pivots from the prior session.
type PivotSet struct {
	PP float64 `json:"pp"`
	R1 float64 `json:"r1"`
	R2 float64 `json:"r2"`
	R3 float64 `json:"r3"`
	S1 float64 `json:"s1"`
	S2 float64 `json:"s2"`
	S3 float64 `json:"s3"`
}

type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityImportant Severity = "important"
	SeverityInfo      Severity = "info"
)

type AlertCategory string

const (
	CategoryPrice          AlertCategory = "price"
	CategoryTechnical      AlertCategory = "technical"
	CategoryTechnicalBreak AlertCategory = "technical_break"
	CategoryInstitutional  AlertCategory = "institutional"
	CategoryWhale          AlertCategory = "whale"
	CategoryCalendar       AlertCategory = "calendar"
)

// Alert is a candidate notification. Lifecycle: constructed by a rule,
// queued, optionally enriched, dispatched at most once, then recorded in the
// durable sent-ledger keyed by Fingerprint.
type Alert struct {
	Severity           Severity
	Category           AlertCategory
	Metal              string // empty when the alert has no target instrument
	Message            string
	Fingerprint        string
	Priority           int // higher dispatches first
	RequiresEnrichment bool
	Context            map[string]any
}

// AlertTier maps a severity to a (timeframe, percent threshold) pair.
// Tiers are evaluated tightest timeframe first.
type AlertTier struct {
	Severity         Severity
	TimeframeMinutes int
	PercentChange    float64
}

// WhaleMovement is an externally supplied on-chain transfer signal.
type WhaleMovement struct {
	TxHash    string
	Token     string
	ValueUSD  float64
	From      string
	To        string
	Direction string
	Timestamp time.Time
}

// COTReport is an externally supplied CFTC commitment-of-traders snapshot.
type COTReport struct {
	Metal              string
	ReportDate         time.Time
	ManagedMoneyNet    float64
	ManagedMoneyChange float64
	OpenInterest       float64
}

// CalendarEvent is a scheduled economic event with per-stage notification
// flags so each reminder fires once.
type CalendarEvent struct {
	ID             int64
	EventType      string
	Title          string
	Description    string
	EventTime      time.Time
	Impact         string
	Notified7D     bool
	Notified1D     bool
	Notified1H     bool
	NotifiedResult bool
}
