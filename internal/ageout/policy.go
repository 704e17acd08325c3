// Package ageout parses and evaluates age-out expressions: the per-type
// deadlines that decide when an indicator's A (aged-out) flag is set.
package ageout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowcore-project/flowcore/internal/indicator"
)

// Base selects which timestamp field an expression's offset is measured
// from.
type Base int

const (
	// BaseFirstSeen anchors the deadline to the record's FirstSeen field.
	// This is the default when an expression omits the base.
	BaseFirstSeen Base = iota
	// BaseLastSeen anchors the deadline to the record's LastSeen field.
	BaseLastSeen
)

// Expression is a parsed age-out expression: deadline = record[Base] +
// OffsetMS. A nil *Expression always evaluates to indicator.MaxAgeOut.
type Expression struct {
	Base     Base
	OffsetMS int64
}

// Evaluate computes the age-out deadline for rec under this expression. A
// nil receiver means "never ages out".
func (e *Expression) Evaluate(rec *indicator.Record) int64 {
	if e == nil {
		return indicator.MaxAgeOut
	}
	base := rec.FirstSeen
	if e.Base == BaseLastSeen {
		base = rec.LastSeen
	}
	return base + e.OffsetMS
}

// ParseExpression parses a "<base>+<duration>" string, e.g.
// "last_seen+30d" or "3600". An empty string is an error; callers that
// want "never ages out" should leave the field nil instead of parsing "".
func ParseExpression(s string) (*Expression, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("ageout: empty expression")
	}

	base := BaseFirstSeen
	duration := s
	if idx := strings.IndexByte(s, '+'); idx >= 0 {
		baseStr := s[:idx]
		duration = s[idx+1:]
		switch baseStr {
		case "first_seen":
			base = BaseFirstSeen
		case "last_seen":
			base = BaseLastSeen
		default:
			return nil, fmt.Errorf("ageout: unknown base %q", baseStr)
		}
	}

	offsetMS, err := parseDuration(duration)
	if err != nil {
		return nil, fmt.Errorf("ageout: parse %q: %w", s, err)
	}
	return &Expression{Base: base, OffsetMS: offsetMS}, nil
}

func parseDuration(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing duration")
	}
	unit := s[len(s)-1]
	var mult time.Duration
	numPart := s
	switch unit {
	case 'd':
		mult = 24 * time.Hour
		numPart = s[:len(s)-1]
	case 'h':
		mult = time.Hour
		numPart = s[:len(s)-1]
	case 'm':
		mult = time.Minute
		numPart = s[:len(s)-1]
	default:
		mult = time.Second
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return n * mult.Milliseconds(), nil
}

// Config is the parsed form of an AgeOutPolicy configuration block.
type Config struct {
	// Interval is the scan cadence for the age-out worker, in seconds.
	Interval int64
	// SuddenDeath short-circuits the in-feed grace period: an indicator
	// missing from the current poll ages out immediately rather than
	// waiting out its normal deadline.
	SuddenDeath bool
	// Default is the fallback expression for types with no override. A
	// nil Default means "never ages out".
	Default *Expression
	// Types holds per-indicator-type overrides of Default.
	Types map[string]*Expression
}

// Policy evaluates age-out deadlines for indicators, selecting the
// per-type expression when one is configured and falling back to
// Default otherwise.
type Policy struct {
	cfg Config
}

// New builds a Policy from a parsed Config.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Interval returns the configured age-out scan cadence.
func (p *Policy) Interval() time.Duration {
	return time.Duration(p.cfg.Interval) * time.Second
}

// SuddenDeath reports whether missing-from-feed indicators should age out
// immediately instead of waiting out their normal deadline.
func (p *Policy) SuddenDeath() bool {
	return p.cfg.SuddenDeath
}

// AgeOutFor returns the age-out deadline for rec, selecting rec.Type's
// override when configured.
func (p *Policy) AgeOutFor(rec *indicator.Record) int64 {
	if expr, ok := p.cfg.Types[rec.Type]; ok {
		return expr.Evaluate(rec)
	}
	return p.cfg.Default.Evaluate(rec)
}
