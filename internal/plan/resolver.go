package plan

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Input carries whatever plan-identifying fields a caller managed to send.
// Any subset may be empty.
type Input struct {
	PlanID       string
	AltPlanID    string // "plan" / "plan_id" style alternate body field
	HeaderPlanID string // X-Plan-Id
	QueryPlanID  string // ?planId=
	PlanName     string
	Price        any // number, json.Number or numeric string
}

// Extractor pulls one candidate plan id out of an Input.
type Extractor func(in Input) (ID, bool)

// IDExtractors is the precedence order for explicit ids: the body field
// wins, then the transport fallbacks in the order listed.
var IDExtractors = []Extractor{
	fieldExtractor(func(in Input) string { return in.PlanID }),
	fieldExtractor(func(in Input) string { return in.AltPlanID }),
	fieldExtractor(func(in Input) string { return in.HeaderPlanID }),
	fieldExtractor(func(in Input) string { return in.QueryPlanID }),
}

// Extractors is the full resolution chain.
var Extractors = append(append([]Extractor{}, IDExtractors...),
	func(in Input) (ID, bool) { return FromName(in.PlanName) },
	func(in Input) (ID, bool) { return FromPrice(in.Price) },
)

func fieldExtractor(get func(Input) string) Extractor {
	return func(in Input) (ID, bool) {
		v := strings.TrimSpace(get(in))
		if v == "" {
			return "", false
		}
		return ID(v), true
	}
}

// Resolve walks Extractors and returns the first plan id produced.
func Resolve(in Input) (ID, error) {
	for _, extract := range Extractors {
		if id, ok := extract(in); ok {
			return id, nil
		}
	}
	return "", ErrMissingPlan
}

// nameKeywords is checked in order; "growth" must be tested before the
// shorter "pro" keyword set and both before "monthly".
var nameKeywords = []struct {
	keywords []string
	id       ID
}{
	{[]string{"growth", "quarter"}, Growth},
	{[]string{"pro", "professional", "half"}, Pro},
	{[]string{"starter", "monthly"}, Starter},
}

// FromName maps a free-text display name onto a plan id by case-insensitive
// keyword match.
func FromName(name string) (ID, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", false
	}
	for _, entry := range nameKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(n, kw) {
				return entry.id, true
			}
		}
	}
	return "", false
}

// PriceTable maps a checkout price to the plan it buys.
var PriceTable = []struct {
	Price decimal.Decimal
	ID    ID
}{
	{decimal.NewFromInt(30), Starter},
	{decimal.NewFromInt(75), Growth},
	{decimal.NewFromInt(100), Pro},
}

// FromPrice matches a numeric price against PriceTable. Malformed input is
// treated as no match.
func FromPrice(price any) (ID, bool) {
	d, ok := parsePrice(price)
	if !ok {
		return "", false
	}
	for _, row := range PriceTable {
		if d.Equal(row.Price) {
			return row.ID, true
		}
	}
	return "", false
}

func parsePrice(price any) (decimal.Decimal, bool) {
	switch v := price.(type) {
	case nil:
		return decimal.Decimal{}, false
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		return parsePriceString(string(v))
	case string:
		return parsePriceString(v)
	default:
		return decimal.Decimal{}, false
	}
}

func parsePriceString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
