package pdfapi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Plan tier names.
const (
	PlanFree     = "free"
	PlanStarter  = "starter"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

// Plan describes the limits attached to an API key's tier.
// The table is fixed; plans are never mutated at runtime.
type Plan struct {
	Name            string
	MonthlyLimit    int
	PerMinuteLimit  int
	ForcesWatermark bool
	Priority        bool
}

// plans is the fixed tier table.
var plans = map[string]Plan{
	PlanFree:     {Name: PlanFree, MonthlyLimit: 50, PerMinuteLimit: 10, ForcesWatermark: true},
	PlanStarter:  {Name: PlanStarter, MonthlyLimit: 500, PerMinuteLimit: 30},
	PlanPro:      {Name: PlanPro, MonthlyLimit: 5000, PerMinuteLimit: 60, Priority: true},
	PlanBusiness: {Name: PlanBusiness, MonthlyLimit: 20000, PerMinuteLimit: 120, Priority: true},
}

// PlanByName returns the plan for a tier name, falling back to the free
// tier for unknown names.
func PlanByName(name string) Plan {
	if p, ok := plans[strings.ToLower(name)]; ok {
		return p
	}
	return plans[PlanFree]
}

// ValidPlanName reports whether name is a known tier.
func ValidPlanName(name string) bool {
	_, ok := plans[strings.ToLower(name)]
	return ok
}

// Page format constants.
const (
	FormatA4     = "A4"
	FormatLetter = "Letter"
	FormatLegal  = "Legal"
)

// paperSizes maps page formats to width x height in inches.
var paperSizes = map[string][2]float64{
	strings.ToLower(FormatA4):     {8.27, 11.69},
	strings.ToLower(FormatLetter): {8.5, 11},
	strings.ToLower(FormatLegal):  {8.5, 14},
}

// Margins holds per-side page margins as CSS-style lengths ("10mm",
// "0.5in", "1cm").
type Margins struct {
	Top    string `json:"top"`
	Right  string `json:"right"`
	Bottom string `json:"bottom"`
	Left   string `json:"left"`
}

// DefaultMargins returns 10mm margins on all sides.
func DefaultMargins() Margins {
	return Margins{Top: "10mm", Right: "10mm", Bottom: "10mm", Left: "10mm"}
}

// Scale bounds for rendering.
const (
	MinScale     = 0.1
	MaxScale     = 2.0
	DefaultScale = 1.0
)

// RenderOptions configures PDF page output.
type RenderOptions struct {
	Format          string  `json:"format"`
	Margin          Margins `json:"margin"`
	Landscape       bool    `json:"landscape"`
	HeaderHTML      string  `json:"header_html"`
	FooterHTML      string  `json:"footer_html"`
	PrintBackground bool    `json:"print_background"`
	Scale           float64 `json:"scale"`
}

// DefaultRenderOptions returns A4 portrait with 10mm margins.
func DefaultRenderOptions() *RenderOptions {
	return &RenderOptions{
		Format:          FormatA4,
		Margin:          DefaultMargins(),
		PrintBackground: true,
		Scale:           DefaultScale,
	}
}

// Validate checks that render options are usable.
// Returns nil if o is nil (nil means use defaults).
func (o *RenderOptions) Validate() error {
	if o == nil {
		return nil
	}
	if _, ok := paperSizes[strings.ToLower(o.Format)]; !ok && o.Format != "" {
		return fmt.Errorf("%w: %q", ErrInvalidPageFormat, o.Format)
	}
	for _, m := range []string{o.Margin.Top, o.Margin.Right, o.Margin.Bottom, o.Margin.Left} {
		if m == "" {
			continue
		}
		if _, err := parseLength(m); err != nil {
			return err
		}
	}
	if o.Scale != 0 && (o.Scale < MinScale || o.Scale > MaxScale) {
		return fmt.Errorf("%w: %g (must be between %g and %g)", ErrInvalidScale, o.Scale, MinScale, MaxScale)
	}
	return nil
}

// withDefaults fills zero fields with defaults, without mutating o.
func (o *RenderOptions) withDefaults() *RenderOptions {
	out := DefaultRenderOptions()
	if o == nil {
		return out
	}
	cp := *o
	if cp.Format == "" {
		cp.Format = out.Format
	}
	d := DefaultMargins()
	if cp.Margin.Top == "" {
		cp.Margin.Top = d.Top
	}
	if cp.Margin.Right == "" {
		cp.Margin.Right = d.Right
	}
	if cp.Margin.Bottom == "" {
		cp.Margin.Bottom = d.Bottom
	}
	if cp.Margin.Left == "" {
		cp.Margin.Left = d.Left
	}
	if cp.Scale == 0 {
		cp.Scale = DefaultScale
	}
	return &cp
}

// parseLength converts a CSS-style length ("10mm", "1cm", "0.5in",
// "36px") to inches.
func parseLength(s string) (float64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	unit := ""
	for _, u := range []string{"mm", "cm", "in", "px"} {
		if strings.HasSuffix(s, u) {
			unit = u
			break
		}
	}
	if unit == "" {
		return 0, fmt.Errorf("%w: %q (expected a unit of mm, cm, in, or px)", ErrInvalidMargin, s)
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, unit), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMargin, s)
	}
	switch unit {
	case "mm":
		return v / 25.4, nil
	case "cm":
		return v / 2.54, nil
	case "px":
		return v / 96, nil
	default:
		return v, nil
	}
}

// RenderRequest is the input to a single render. Exactly one of HTML
// and URL must be set. Transient: created per call, discarded after the
// response is sent.
type RenderRequest struct {
	HTML    string
	URL     string
	Options *RenderOptions

	// Watermark is set by the caller from the admitted plan's
	// ForcesWatermark; the dispatcher composites the free-tier stamp
	// onto the output when true.
	Watermark bool
}

// Validate checks the request payload before any rendering resource is
// touched. maxPayload bounds the HTML size in bytes; 0 means no bound.
func (r *RenderRequest) Validate(maxPayload int) error {
	if r.HTML == "" && r.URL == "" {
		return ErrEmptyContent
	}
	if r.HTML != "" && r.URL != "" {
		return ErrAmbiguousContent
	}
	if maxPayload > 0 && len(r.HTML) > maxPayload {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(r.HTML), maxPayload)
	}
	if r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
		}
	}
	return r.Options.Validate()
}

// RenderResult carries the rendered PDF and its metadata.
type RenderResult struct {
	PDF      []byte
	Pages    int
	Duration time.Duration
}

// UsageStats reports a key's consumption for the current windows.
type UsageStats struct {
	Used          int       `json:"used"`
	Remaining     int       `json:"remaining"`
	MonthlyLimit  int       `json:"monthly_limit"`
	RateRemaining int       `json:"rate_remaining"`
	Plan          string    `json:"plan"`
	ResetDate     time.Time `json:"reset_date"`
}

// monthStart returns the first instant of t's calendar month in UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// nextMonthStart returns the first instant of the month after t in UTC.
// Quota counters reset at this boundary.
func nextMonthStart(t time.Time) time.Time {
	return monthStart(t).AddDate(0, 1, 0)
}
