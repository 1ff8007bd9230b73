// internal/extract/normalize.go
package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/number"
)

var (
	currencyMarkers = []string{"Kč", "kč", "KČ", "Kc", "CZK"}
	plainNumber     = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// ParsePrice normalizes a Czech formatted price such as "1 234,50 Kč" or
// "29 990,-". Non-numeric and non-positive input is rejected.
func ParsePrice(raw string) (float64, bool) {
	s := raw
	for _, m := range currencyMarkers {
		s = strings.ReplaceAll(s, m, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\u00a0' || r == '\u202f' {
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.TrimRight(s, "-–—")
	s = strings.TrimSuffix(s, ".")

	if !plainNumber.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Format renders v with the locale's digit grouping and the currency suffix.
// Whole amounts drop the decimals.
func (e *Extractor) Format(v float64) string {
	var n number.Formatter
	if v == math.Trunc(v) {
		n = number.Decimal(v, number.MaxFractionDigits(0))
	} else {
		n = number.Decimal(v, number.MinFractionDigits(2), number.MaxFractionDigits(2))
	}
	return e.printer.Sprintf("%v", n) + " " + e.currency
}
