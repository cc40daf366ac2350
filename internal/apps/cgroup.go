package apps

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PrefixGrouper groups processes living below one of a set of cgroup
// roots. The app id is the path segment right below the longest matching
// root, without its unit suffix.
type PrefixGrouper struct {
	roots []string
}

// NewPrefixGrouper creates a grouper for the given cgroup roots.
func NewPrefixGrouper(roots []string) *PrefixGrouper {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		cleaned = append(cleaned, strings.TrimSuffix(path.Clean("/"+r), "/"))
	}
	// Longest first, so the first hit is the longest match.
	sort.Slice(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })
	return &PrefixGrouper{roots: cleaned}
}

// Group implements Grouper.
func (g *PrefixGrouper) Group(info Info) (Identity, bool) {
	if info.Cgroup == "" {
		return Identity{}, false
	}
	for _, root := range g.roots {
		rest, ok := strings.CutPrefix(info.Cgroup, root+"/")
		if !ok {
			continue
		}
		seg, _, _ := strings.Cut(rest, "/")
		seg = trimUnitSuffix(seg)
		if seg == "" {
			return Identity{}, false
		}
		return Identity{ID: seg, Source: SourcePrefix}, true
	}
	return Identity{}, false
}

func trimUnitSuffix(s string) string {
	for _, suffix := range []string{".scope", ".service", ".slice"} {
		if t, ok := strings.CutSuffix(s, suffix); ok {
			return t
		}
	}
	return s
}

// systemd names graphical apps app-<launcher>-<id>-<n>.scope or
// dbus-:<launcher>-<id>@<n>.service below app.slice or background.slice.
var appUnitRe = regexp.MustCompile(
	`(?U)/(?:app|background)\.slice/(?:app-|dbus-:)(?:(?P<launcher>[^-]+)-)?(?P<cgroup>[^-]+)(?:-[0-9]+|@[0-9]+)?\.(?:scope|service)`)

// SliceGrouper groups processes by their systemd app unit.
type SliceGrouper struct{}

// Group implements Grouper.
func (SliceGrouper) Group(info Info) (Identity, bool) {
	launcher, id, ok := ParseAppUnit(info.Cgroup)
	if !ok {
		return Identity{}, false
	}
	return Identity{ID: id, Launcher: launcher, Source: SourceSlice}, true
}

// ParseAppUnit extracts the launcher and app id from a cgroup path. The
// launcher is empty when the unit does not name one.
func ParseAppUnit(cgroup string) (launcher, id string, ok bool) {
	m := appUnitRe.FindStringSubmatch(cgroup)
	if m == nil {
		return "", "", false
	}
	id, err := unescapeUnit(m[appUnitRe.SubexpIndex("cgroup")])
	if err != nil || id == "" {
		return "", "", false
	}
	if l := m[appUnitRe.SubexpIndex("launcher")]; l != "" {
		if launcher, err = unescapeUnit(l); err != nil {
			launcher = ""
		}
	}
	return launcher, id, true
}

// unescapeUnit decodes the \xNN escapes systemd applies to unit names.
func unescapeUnit(s string) (string, error) {
	if !strings.Contains(s, `\x`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'x' {
			if i+3 >= len(s) {
				return "", fmt.Errorf("truncated escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad escape in %q: %w", s, err)
			}
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}
