// Package apps associates processes with applications.
//
// Grouping is pluggable: a Grouper inspects a process's cgroup path,
// executable and command line and returns an Identity when it recognizes
// the owning application. The default chain tries configured cgroup roots,
// systemd app-slice units and finally the installed desktop-file catalog.
package apps

import "strings"

// Source names the grouper that produced an identity.
type Source string

const (
	SourcePrefix  Source = "prefix"
	SourceSlice   Source = "slice"
	SourceCatalog Source = "catalog"
)

// Identity is the grouping key of one application.
type Identity struct {
	ID          string
	Name        string
	Description string
	Icon        string
	Launcher    string
	Source      Source
}

// Info is what a grouper may inspect about a process.
type Info struct {
	PID        int32
	Comm       string
	Cmdline    []string
	Executable string
	Cgroup     string
}

// ExecutablePath returns the executable of the command line: the first
// argument, cut at the first " --" for launchers that pass the whole
// command line as one argument.
func (i Info) ExecutablePath() string {
	if len(i.Cmdline) == 0 {
		return i.Executable
	}
	path, _, _ := strings.Cut(i.Cmdline[0], " --")
	return path
}

// ExecutableName returns the base name of ExecutablePath.
func (i Info) ExecutableName() string {
	path := i.ExecutablePath()
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// DisplayName returns the name shown for the process. The kernel truncates
// comm to 15 bytes, so the executable name is preferred when it extends it.
func (i Info) DisplayName() string {
	name := i.ExecutableName()
	if i.Comm == "" {
		return name
	}
	if name != "" && strings.HasPrefix(name, i.Comm) {
		return name
	}
	return i.Comm
}

// Grouper maps a process to an application.
type Grouper interface {
	Group(info Info) (Identity, bool)
}

// GrouperFunc adapts a function to the Grouper interface.
type GrouperFunc func(info Info) (Identity, bool)

// Group implements Grouper.
func (f GrouperFunc) Group(info Info) (Identity, bool) { return f(info) }

// Chain tries groupers in order and returns the first match. When a
// catalog is attached, matches from other groupers are enriched with the
// catalog's name, description and icon for the same id.
type Chain struct {
	groupers []Grouper
	catalog  *Catalog
}

// NewChain creates a chain of groupers. catalog may be nil.
func NewChain(catalog *Catalog, groupers ...Grouper) *Chain {
	return &Chain{groupers: groupers, catalog: catalog}
}

// DefaultChain builds the standard order: configured cgroup roots, systemd
// app-slice units, then the desktop-file catalog.
func DefaultChain(roots []string, catalog *Catalog) *Chain {
	groupers := []Grouper{NewPrefixGrouper(roots), SliceGrouper{}}
	if catalog != nil {
		groupers = append(groupers, catalog)
	}
	return NewChain(catalog, groupers...)
}

// Group implements Grouper.
func (c *Chain) Group(info Info) (Identity, bool) {
	for _, g := range c.groupers {
		id, ok := g.Group(info)
		if !ok {
			continue
		}
		if c.catalog != nil && id.Source != SourceCatalog {
			if entry, ok := c.catalog.Lookup(id.ID); ok {
				id.Name = entry.Name
				if id.Description == "" {
					id.Description = entry.Description
				}
				if id.Icon == "" {
					id.Icon = entry.Icon
				}
			}
		}
		if id.Name == "" {
			id.Name = id.ID
		}
		return id, true
	}
	return Identity{}, false
}
