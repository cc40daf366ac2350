package counters

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSysRoot is the sysfs mount point. Readers take the root as a
// parameter so tests can point them at a fixture tree.
const DefaultSysRoot = "/sys"

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func readFloat(path string) (float64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// readUevent parses a KEY=VALUE uevent file.
func readUevent(path string) map[string]string {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// firstHwmon returns the first hwmon directory below dir, or "".
func firstHwmon(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "hwmon", "hwmon*"))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}
