// Package coord canonicalizes raw coordinates into the lossy key shared by
// dedup, caching, and storage: latitude and longitude rounded half-up to four
// fractional digits plus the configured query radius.
package coord

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	fracDigits = 4
	scale      = 10000
)

// Key identifies one materialized landmark query. Equality on all three
// fields defines "same request" everywhere in the pipeline.
type Key struct {
	Lat          float64
	Lng          float64
	RadiusMeters int
}

// String renders the cache/store key form, e.g. "48.8584:2.2945:500".
func (k Key) String() string {
	return fmt.Sprintf("%.4f:%.4f:%d", k.Lat, k.Lng, k.RadiusMeters)
}

// InvalidInputError reports which submission components failed validation.
type InvalidInputError struct {
	Fields map[string]string
}

func (e *InvalidInputError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "invalid coordinates: " + strings.Join(parts, "; ")
}

// Canonicalize validates both components and rounds them half-up to four
// fractional digits. Pure and idempotent: feeding the rendered result back in
// yields the same key.
func Canonicalize(lat, lng string, radiusMeters int) (Key, error) {
	fields := make(map[string]string)
	keyLat, reason := canonComponent(lat, 90)
	if reason != "" {
		fields["lat"] = reason
	}
	keyLng, reason := canonComponent(lng, 180)
	if reason != "" {
		fields["lng"] = reason
	}
	if len(fields) > 0 {
		return Key{}, &InvalidInputError{Fields: fields}
	}
	return Key{Lat: keyLat, Lng: keyLng, RadiusMeters: radiusMeters}, nil
}

func canonComponent(s string, bound float64) (float64, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "is required"
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "must be a decimal number"
	}
	if f < -bound || f > bound {
		return 0, fmt.Sprintf("must be between %.0f and %.0f", -bound, bound)
	}
	return roundHalfUp(s, f), ""
}

// roundHalfUp rounds away from zero on a tie, working on the decimal digits
// of the literal: "48.85845" lands on 48.8585 even though its nearest float64
// sits just below the tie.
func roundHalfUp(s string, f float64) float64 {
	if !plainDecimal(s) {
		s = strconv.FormatFloat(f, 'f', -1, 64)
	}
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")
	for len(frac) < fracDigits {
		frac += "0"
	}
	scaled, err := strconv.ParseInt(intPart+frac[:fracDigits], 10, 64)
	if err != nil {
		v := math.Round(f*scale) / scale
		if v == 0 {
			return 0
		}
		return v
	}
	if rest := frac[fracDigits:]; rest != "" && rest[0] >= '5' {
		scaled++
	}
	if neg {
		scaled = -scaled
	}
	return float64(scaled) / scale
}

func plainDecimal(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '+' || s[0] == '-' {
		i++
	}
	digits, dot := 0, false
	for ; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}
