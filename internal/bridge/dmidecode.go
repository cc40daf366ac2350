package bridge

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/Guliveer/vitalis/resmon/internal/models"
)

const emptySlot = "No Module Installed"

// ParseMemoryDevices parses `dmidecode --type 17 -q` output into the
// populated memory modules. Empty slots are skipped.
func ParseMemoryDevices(out string) []models.MemoryModule {
	var modules []models.MemoryModule
	for _, block := range strings.Split(out, "\n\n") {
		fields := parseDMIBlock(block)
		if fields == nil {
			continue
		}
		size := fields["Size"]
		if size == "" || size == emptySlot {
			continue
		}
		modules = append(modules, models.MemoryModule{
			Locator:      orUnknown(fields["Locator"]),
			BankLocator:  fields["Bank Locator"],
			SizeBytes:    parseDMISize(size),
			FormFactor:   fields["Form Factor"],
			Type:         fields["Type"],
			TypeDetail:   fields["Type Detail"],
			SpeedMTs:     parseDMISpeed(fields["Speed"]),
			Manufacturer: fields["Manufacturer"],
		})
	}
	return modules
}

// parseDMIBlock returns the top-level "Key: Value" fields of one
// "Memory Device" block, or nil for other blocks.
func parseDMIBlock(block string) map[string]string {
	sc := bufio.NewScanner(strings.NewReader(block))
	fields := map[string]string{}
	header := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "\t") {
			header = strings.TrimSpace(line) == "Memory Device"
			continue
		}
		// Nested list items are indented twice.
		if strings.HasPrefix(line, "\t\t") {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if !header {
		return nil
	}
	return fields
}

var dmiUnits = map[string]uint64{
	"bytes": 1,
	"kB":    1 << 10,
	"KB":    1 << 10,
	"MB":    1 << 20,
	"GB":    1 << 30,
	"TB":    1 << 40,
}

// parseDMISize converts "16 GB" or "8192 MB" to bytes.
func parseDMISize(s string) uint64 {
	num, unit, ok := strings.Cut(s, " ")
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0
	}
	return n * dmiUnits[unit]
}

// parseDMISpeed converts "3200 MT/s" (or the older "3200 MHz") to MT/s.
func parseDMISpeed(s string) uint32 {
	num, _, _ := strings.Cut(s, " ")
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
