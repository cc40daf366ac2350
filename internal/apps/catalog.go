package apps

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

const desktopSection = "Desktop Entry"

// Processes whose executable name differs too much from the app's Exec line.
var executableExceptions = map[string]string{
	"firefox-bin": "firefox",
}

// Entry is one installed application from a desktop file.
type Entry struct {
	ID          string
	Name        string
	Description string
	Icon        string
	Exec        string
	Path        string
}

// execName is the base name of the first word of the Exec line.
func (e Entry) execName() string {
	first, _, _ := strings.Cut(e.Exec, " ")
	return filepath.Base(first)
}

// Catalog is the set of installed desktop applications, keyed by id.
type Catalog struct {
	entries map[string]Entry
	ids     []string
}

// DefaultDataDirs returns the applications directories in XDG order.
// Later directories override earlier ones.
func DefaultDataDirs() []string {
	home := os.Getenv("HOME")
	if home == "" {
		home = "/"
	}
	userData := filepath.Join(home, ".local", "share")
	xdg := os.Getenv("XDG_DATA_DIRS")
	if xdg == "" {
		xdg = "/usr/share:" + userData
	}
	var dirs []string
	for _, d := range strings.Split(xdg, ":") {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "applications"))
		}
	}
	return append(dirs, filepath.Join(userData, "applications"))
}

// LoadCatalog reads every desktop file in dirs. Unreadable files are
// skipped.
func LoadCatalog(dirs []string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{entries: make(map[string]Entry)}
	for _, dir := range dirs {
		files, err := filepath.Glob(filepath.Join(dir, "*.desktop"))
		if err != nil {
			continue
		}
		for _, f := range files {
			e, err := ParseDesktopFile(f)
			if err != nil {
				logger.Debug("Skipping desktop file", zap.String("path", f), zap.Error(err))
				continue
			}
			if strings.HasPrefix(e.ID, "xdg-desktop-portal") {
				continue
			}
			c.entries[e.ID] = e
		}
	}
	for id := range c.entries {
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	logger.Info("Loaded application catalog", zap.Int("apps", len(c.ids)))
	return c
}

// ParseDesktopFile reads the [Desktop Entry] section of a desktop file.
// The id is the X-Flatpak key when present, otherwise the file name
// without extension.
func ParseDesktopFile(path string) (Entry, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return Entry{}, err
	}
	sec, err := f.GetSection(desktopSection)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: no %s section", path, desktopSection)
	}

	id := sec.Key("X-Flatpak").String()
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if id == "" {
		return Entry{}, fmt.Errorf("%s: no application id", path)
	}
	e := Entry{
		ID:          id,
		Name:        sec.Key("Name").MustString(id),
		Description: sec.Key("Comment").String(),
		Icon:        sec.Key("Icon").MustString("generic-process"),
		Exec:        sec.Key("Exec").String(),
		Path:        path,
	}
	return e, nil
}

// Len returns the number of applications.
func (c *Catalog) Len() int { return len(c.ids) }

// Lookup returns the entry with the given id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Match finds the application a process belongs to. It tries, in order,
// the app unit id from the cgroup, the executable path, the executable
// name and finally every Exec line.
func (c *Catalog) Match(info Info) (Entry, bool) {
	if _, id, ok := ParseAppUnit(info.Cgroup); ok {
		if e, ok := c.entries[id]; ok {
			return e, true
		}
	}
	exePath := info.ExecutablePath()
	exeName := info.ExecutableName()
	if exePath != "" {
		if e, ok := c.entries[exePath]; ok {
			return e, true
		}
	}
	if exeName != "" {
		if e, ok := c.entries[exeName]; ok {
			return e, true
		}
	}
	if exeName == "" {
		return Entry{}, false
	}
	exception, hasException := executableExceptions[exeName]
	for _, id := range c.ids {
		e := c.entries[id]
		if e.Exec == "" {
			continue
		}
		name := e.execName()
		if e.Exec == exePath || name == exeName || (hasException && name == exception) {
			return e, true
		}
	}
	return Entry{}, false
}

// Group implements Grouper.
func (c *Catalog) Group(info Info) (Identity, bool) {
	e, ok := c.Match(info)
	if !ok {
		return Identity{}, false
	}
	return Identity{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Icon:        e.Icon,
		Source:      SourceCatalog,
	}, true
}
