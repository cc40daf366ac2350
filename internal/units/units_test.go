package units

import (
	"testing"

	"github.com/Guliveer/vitalis/resmon/internal/models"
)

func TestLargest(t *testing.T) {
	tests := []struct {
		amount     float64
		base       Base
		wantValue  float64
		wantPrefix string
	}{
		{999, Decimal, 999, ""},
		{1000, Decimal, 1, "k"},
		{2_500_000, Decimal, 2.5, "M"},
		{1536, Binary, 1.5, "Ki"},
		{1000, Binary, 1000, ""},
		{3 << 30, Binary, 3, "Gi"},
		{-2000, Decimal, -2, "k"},
		{0, Decimal, 0, ""},
	}
	for _, tt := range tests {
		v, p := Largest(tt.amount, tt.base)
		if v != tt.wantValue || p != tt.wantPrefix {
			t.Errorf("Largest(%v, %s) = (%v, %q), want (%v, %q)",
				tt.amount, tt.base, v, p, tt.wantValue, tt.wantPrefix)
		}
	}
}

func TestLargestSaturates(t *testing.T) {
	_, p := Largest(1e30, Decimal)
	if p != "Y" {
		t.Errorf("prefix = %q, want Y", p)
	}
}

func TestParseBase(t *testing.T) {
	for _, s := range []string{"decimal", "Binary", " binary "} {
		if _, err := ParseBase(s); err != nil {
			t.Errorf("ParseBase(%q) error: %v", s, err)
		}
	}
	if _, err := ParseBase("metric"); err == nil {
		t.Error("expected error for unknown base")
	}
	if f := New("bogus"); f.Base != Decimal {
		t.Errorf("New(bogus).Base = %s, want decimal", f.Base)
	}
}

func TestFormatterBytes(t *testing.T) {
	dec, bin := New("decimal"), New("binary")
	if got := dec.Bytes(1000); got != "1.0 kB" {
		t.Errorf("decimal Bytes(1000) = %q", got)
	}
	if got := bin.Bytes(1 << 20); got != "1.0 MiB" {
		t.Errorf("binary Bytes(1MiB) = %q", got)
	}
	if got := dec.Rate(1_234_567); got != "1.2 MB/s" {
		t.Errorf("Rate = %q", got)
	}
	if got := dec.Rate(-5); got != "0 B/s" {
		t.Errorf("negative Rate = %q", got)
	}
}

func TestFormatterMetric(t *testing.T) {
	f := New("decimal")
	tests := []struct {
		name string
		m    models.Metric
		want string
	}{
		{"usage", models.Value(20), "20%"},
		{"busy", models.Value(12.5), "12.5%"},
		{"rx_packet_rate", models.Value(1500), "1.5 k/s"},
		{"read_rate", models.Value(2000), "2.0 kB/s"},
		{"used_bytes", models.Value(5), "5 B"},
		{"core_frequency_hz", models.Value(2.4e9), "2.4 GHz"},
		{"temperature_celsius", models.Value(45.5), "45.5 °C"},
		{"power_watts", models.Value(15), "15 W"},
		{"usage", models.Unavailable(), "-"},
	}
	for _, tt := range tests {
		if got := f.Metric(tt.name, tt.m); got != tt.want {
			t.Errorf("Metric(%s, %v) = %q, want %q", tt.name, tt.m.Value, got, tt.want)
		}
	}
}
