// Package lsn implements the opaque "HHHH/HHHH" log sequence number used
// throughout the sync protocol to track replication progress.
package lsn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Zero is the canonical minimum LSN: "no data yet".
const Zero = LSN("0/0")

// LSN is an opaque, totally-ordered progress marker supplied by Postgres.
// Its wire form is two hex segments separated by a slash, e.g. "16/2A4F".
type LSN string

var grammar = regexp.MustCompile(`^[0-9A-Fa-f]+/[0-9A-Fa-f]+$`)

// Valid reports whether s matches the "HHHH/HHHH" grammar.
func Valid(s string) bool {
	return grammar.MatchString(s)
}

// Parse validates s and returns it as an LSN, or an error if it doesn't
// match the grammar.
func Parse(s string) (LSN, error) {
	if !Valid(s) {
		return "", fmt.Errorf("lsn: %q is not of the form HHHH/HHHH", s)
	}
	return LSN(s), nil
}

// Normalize returns clientLSN as an LSN, treating an empty string as Zero
// per §4.1: "a missing clientLSN is normalized to 0/0".
func Normalize(clientLSN string) (LSN, error) {
	if clientLSN == "" {
		return Zero, nil
	}
	return Parse(clientLSN)
}

// segments splits an LSN into its two hex components as big.Int-sized
// uint64s. Postgres LSNs are 64-bit values split across the two segments,
// so uint64 is sufficient.
func (l LSN) segments() (hi, lo uint64, err error) {
	parts := strings.SplitN(string(l), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("lsn: %q is not of the form HHHH/HHHH", l)
	}
	hi, err = strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lsn: invalid high segment in %q: %w", l, err)
	}
	lo, err = strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lsn: invalid low segment in %q: %w", l, err)
	}
	return hi, lo, nil
}

// Compare returns -1, 0, or 1 as l is less than, equal to, or greater than
// other, ordering lexicographically by (hi, lo) per the glossary. Malformed
// operands compare as equal to avoid panicking deep in ordering code; callers
// that need strict validation should Parse first.
func (l LSN) Compare(other LSN) int {
	hi1, lo1, err1 := l.segments()
	hi2, lo2, err2 := other.segments()
	if err1 != nil || err2 != nil {
		return 0
	}
	if hi1 != hi2 {
		if hi1 < hi2 {
			return -1
		}
		return 1
	}
	switch {
	case lo1 < lo2:
		return -1
	case lo1 > lo2:
		return 1
	default:
		return 0
	}
}

// Less reports whether l sorts strictly before other.
func (l LSN) Less(other LSN) bool { return l.Compare(other) < 0 }

// IsZero reports whether l is the canonical zero value.
func (l LSN) IsZero() bool { return l == Zero || l == "" }

// Max returns the greater of a and b.
func Max(a, b LSN) LSN {
	if a.Less(b) {
		return b
	}
	return a
}

// String implements fmt.Stringer.
func (l LSN) String() string { return string(l) }
