package subscription

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard matches any value in a pattern segment
const Wildcard = "*"

var (
	// ErrInvalidPattern is the sentinel wrapped by every PatternError
	ErrInvalidPattern = errors.New("invalid subscription pattern")
	// ErrNotRegistered is returned when an operation names an unknown connection
	ErrNotRegistered = errors.New("connection not registered")
	// ErrAlreadyRegistered is returned when a connection id is registered twice
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// PatternError explains why a pattern was rejected
type PatternError struct {
	Pattern string
	Reason  string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidPattern, e.Pattern, e.Reason)
}

func (e *PatternError) Unwrap() error {
	return ErrInvalidPattern
}

// Pattern is a validated app:profile:label subscription pattern
type Pattern struct {
	App     string
	Profile string
	Label   string
}

// ParsePattern validates and splits a pattern. Exactly three segments are
// required; each is either "*" or made of letters, digits, '-' and '_'.
func ParsePattern(s string) (Pattern, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Pattern{}, &PatternError{Pattern: s, Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}
	for _, seg := range parts {
		if err := validateSegment(seg); err != nil {
			return Pattern{}, &PatternError{Pattern: s, Reason: err.Error()}
		}
	}
	return Pattern{App: parts[0], Profile: parts[1], Label: parts[2]}, nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return errors.New("empty segment")
	}
	if seg == Wildcard {
		return nil
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("invalid character %q in segment %q", r, seg)
		}
	}
	return nil
}

func (p Pattern) String() string {
	return p.App + ":" + p.Profile + ":" + p.Label
}

// Matches reports whether the pattern selects the given key. Every segment
// must be equal or a wildcard.
func (p Pattern) Matches(app, profile, label string) bool {
	return segmentMatches(p.App, app) && segmentMatches(p.Profile, profile) && segmentMatches(p.Label, label)
}

func segmentMatches(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}

// candidatePatterns lists every pattern string that can match the key: each
// segment either literal or wildcard. Lookups probe these directly instead of
// scanning all patterns.
func candidatePatterns(app, profile, label string) [8]string {
	var out [8]string
	segs := [3][2]string{{app, Wildcard}, {profile, Wildcard}, {label, Wildcard}}
	for i := 0; i < 8; i++ {
		out[i] = segs[0][i&1] + ":" + segs[1][(i>>1)&1] + ":" + segs[2][(i>>2)&1]
	}
	return out
}

// ValidateKey checks a concrete app:profile:label key; wildcards are refused
func ValidateKey(app, profile, label string) error {
	key := app + ":" + profile + ":" + label
	for _, seg := range [3]string{app, profile, label} {
		if seg == Wildcard {
			return &PatternError{Pattern: key, Reason: "wildcard is not allowed in a key"}
		}
		if err := validateSegment(seg); err != nil {
			return &PatternError{Pattern: key, Reason: err.Error()}
		}
	}
	return nil
}
