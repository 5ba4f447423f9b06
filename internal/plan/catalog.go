// Package plan holds the SMS plan catalogue and the resolver that maps loosely
// specified purchase inputs onto a concrete plan id.
package plan

import (
	"errors"
	"strings"
)

// Errors
var (
	ErrUnknownPlan = errors.New("plan: unknown plan id")
	ErrMissingPlan = errors.New("plan: no plan id, name or price supplied")
)

// ID identifies a catalogue entry.
type ID string

const (
	Starter ID = "starter_1m"
	Growth  ID = "growth_3m"
	Pro     ID = "pro_6m"
)

// Plan is an immutable catalogue entry.
type Plan struct {
	ID              ID     `json:"planId"`
	Name            string `json:"planName"`
	DurationMonths  int    `json:"durationMonths"`
	CreditAllotment int    `json:"creditAllotment"`
}

// Plans is the hardcoded plan catalogue.
var Plans = map[ID]Plan{
	Starter: {
		ID:              Starter,
		Name:            "Starter",
		DurationMonths:  1,
		CreditAllotment: 250,
	},
	Growth: {
		ID:              Growth,
		Name:            "Growth",
		DurationMonths:  3,
		CreditAllotment: 600,
	},
	Pro: {
		ID:              Pro,
		Name:            "Pro",
		DurationMonths:  6,
		CreditAllotment: 900,
	},
}

// Default is the entry handed out for unrecognised ids in lenient mode.
var Default = Plan{
	Name:            "Custom",
	DurationMonths:  1,
	CreditAllotment: 250,
}

// Lookup returns the catalogue entry for id.
func Lookup(id ID) (Plan, bool) {
	p, ok := Plans[ID(strings.TrimSpace(string(id)))]
	return p, ok
}

// LookupOrDefault never fails: unknown ids get the Default allotment with
// the caller's id carried through so the ledger still records what was asked for.
func LookupOrDefault(id ID) Plan {
	if p, ok := Lookup(id); ok {
		return p
	}
	p := Default
	p.ID = id
	return p
}

// Catalog wraps the lookup policy. A strict catalogue rejects unknown ids
// instead of silently granting the default allotment.
type Catalog struct {
	strict bool
}

// NewCatalog creates a catalogue. strict=false keeps the lenient fallback.
func NewCatalog(strict bool) *Catalog {
	return &Catalog{strict: strict}
}

// Strict reports whether unknown ids are rejected.
func (c *Catalog) Strict() bool {
	return c != nil && c.strict
}

// Lookup resolves id under the catalogue's policy.
func (c *Catalog) Lookup(id ID) (Plan, error) {
	if p, ok := Lookup(id); ok {
		return p, nil
	}
	if c.Strict() {
		return Plan{}, ErrUnknownPlan
	}
	return LookupOrDefault(id), nil
}

// Valid returns true if the plan id is in the catalogue.
func Valid(id ID) bool {
	_, ok := Lookup(id)
	return ok
}

// Resolve runs the resolver over in and looks the result up under the
// catalogue's policy. ErrMissingPlan is returned unchanged so purchase paths
// can reject input that names no plan at all.
func (c *Catalog) Resolve(in Input) (Plan, error) {
	id, err := Resolve(in)
	if err != nil {
		return Plan{}, err
	}
	return c.Lookup(id)
}
