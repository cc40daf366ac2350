// Package units renders metric values with decimal (k, M, G) or binary
// (Ki, Mi, Gi) prefixes.
package units

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// Base selects the prefix family.
type Base string

const (
	Decimal Base = "decimal"
	Binary  Base = "binary"
)

var (
	decimalPrefixes = []string{"", "k", "M", "G", "T", "P", "E", "Z", "Y"}
	binaryPrefixes  = []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi", "Yi"}
)

// ParseBase parses a configured base name.
func ParseBase(s string) (Base, error) {
	switch b := Base(strings.ToLower(strings.TrimSpace(s))); b {
	case Decimal, Binary:
		return b, nil
	}
	return "", fmt.Errorf("unknown unit base %q", s)
}

func (b Base) factor() (float64, []string) {
	if b == Binary {
		return 1024, binaryPrefixes
	}
	return 1000, decimalPrefixes
}

// Largest scales amount down to the largest prefix that keeps it at or
// above one, and returns the scaled value with its prefix.
func Largest(amount float64, base Base) (float64, string) {
	factor, prefixes := base.factor()
	x := amount
	neg := x < 0
	if neg {
		x = -x
	}
	for i, p := range prefixes {
		if x < factor || i == len(prefixes)-1 {
			if neg {
				x = -x
			}
			return x, p
		}
		x /= factor
	}
	return x, ""
}

// Formatter renders values under one base.
type Formatter struct {
	Base Base
}

// New returns a formatter for base. An unknown base falls back to decimal.
func New(base string) Formatter {
	b, err := ParseBase(base)
	if err != nil {
		b = Decimal
	}
	return Formatter{Base: b}
}

// Bytes renders a byte count, e.g. "83 MB" or "79 MiB".
func (f Formatter) Bytes(n uint64) string {
	if f.Base == Binary {
		return humanize.IBytes(n)
	}
	return humanize.Bytes(n)
}

// Rate renders a byte rate, e.g. "1.2 MB/s".
func (f Formatter) Rate(bytesPerSec float64) string {
	if bytesPerSec < 0 || math.IsNaN(bytesPerSec) {
		bytesPerSec = 0
	}
	return f.Bytes(uint64(math.Round(bytesPerSec))) + "/s"
}

// Scaled renders any value with a prefixed unit, e.g. "2.4 GHz".
func (f Formatter) Scaled(v float64, unit string) string {
	x, prefix := Largest(v, f.Base)
	s := humanize.FtoaWithDigits(x, 1)
	if prefix+unit == "" {
		return s
	}
	return s + " " + prefix + unit
}

// Metric renders a derived metric according to its name. Unavailable
// metrics render as "-".
func (f Formatter) Metric(name string, m models.Metric) string {
	if !m.Available {
		return "-"
	}
	v := m.Value
	switch {
	case strings.HasSuffix(name, "_bytes"):
		if v < 0 {
			v = 0
		}
		return f.Bytes(uint64(math.Round(v)))
	case strings.HasSuffix(name, "packet_rate"):
		return f.Scaled(v, "/s")
	case strings.HasSuffix(name, "_rate"):
		return f.Rate(v)
	case name == "usage" || name == "busy" || strings.HasSuffix(name, "percent"):
		return humanize.FtoaWithDigits(v, 1) + "%"
	case strings.HasSuffix(name, "_hz"):
		return f.Scaled(v, "Hz")
	case strings.HasSuffix(name, "_celsius"):
		return humanize.FtoaWithDigits(v, 1) + " °C"
	case strings.HasSuffix(name, "_watts"):
		return f.Scaled(v, "W")
	}
	return humanize.FtoaWithDigits(v, 2)
}
