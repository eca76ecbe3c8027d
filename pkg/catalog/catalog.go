// Package catalog loads the ordered list of migration units that make up a
// database's schema history.
//
// Units are read from SQL files named <version>_<description>.sql, for
// example 001_create_users.sql. Versions are numeric and zero-padded so that
// lexical and numeric order agree:
//
//	cat, err := catalog.Load(os.DirFS("migrations"))
//	for _, u := range cat.Units() {
//		fmt.Println(u.Version, u.Description)
//	}
//
// A catalog is validated once when it is built. Duplicate versions are a
// configuration error reported by Load, never discovered while applying.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

var (
	// ErrDuplicateVersion is returned when two units share a version.
	ErrDuplicateVersion = errors.New("catalog: duplicate migration version")

	// ErrInvalidVersion is returned when a version is empty or not numeric.
	ErrInvalidVersion = errors.New("catalog: invalid migration version")

	// ErrEmptyUnit is returned when a unit has no content.
	ErrEmptyUnit = errors.New("catalog: empty migration content")
)

// Unit is a single migration. Units are authored at build time and never
// change afterwards; editing an applied unit is reported as drift.
type Unit struct {
	Version     string
	Description string
	Content     []byte

	// Source is the file the unit was loaded from, if any.
	Source string
}

// Catalog is an immutable, version-ordered sequence of units.
type Catalog struct {
	units []Unit
	index map[string]int
}

// New builds a catalog from in-memory units. Units may be passed in any
// order; the catalog sorts them by version.
func New(units ...Unit) (*Catalog, error) {
	sorted := make([]Unit, len(units))
	copy(sorted, units)

	for _, u := range sorted {
		if err := validateVersion(u.Version); err != nil {
			return nil, fmt.Errorf("%w: %q", err, u.Version)
		}
		if len(strings.TrimSpace(string(u.Content))) == 0 {
			return nil, fmt.Errorf("%w: version %s", ErrEmptyUnit, u.Version)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return VersionLess(sorted[i].Version, sorted[j].Version)
	})

	c := &Catalog{units: sorted, index: make(map[string]int, len(sorted))}
	seen := make(map[string]string, len(sorted))
	for i, u := range sorted {
		key := normalizeVersion(u.Version)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateVersion, u.Version, prev, sourceOf(u))
		}
		seen[key] = sourceOf(u)
		c.index[u.Version] = i
	}
	return c, nil
}

// Load reads every .sql file at the root of fsys into a catalog.
// Directories and files with other extensions are ignored.
func Load(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	units := make([]Unit, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, description, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		units = append(units, Unit{
			Version:     version,
			Description: description,
			Content:     content,
			Source:      entry.Name(),
		})
	}

	return New(units...)
}

// Units returns the units in ascending version order.
func (c *Catalog) Units() []Unit {
	out := make([]Unit, len(c.units))
	copy(out, c.units)
	return out
}

// Len returns the number of units.
func (c *Catalog) Len() int {
	return len(c.units)
}

// Lookup returns the unit with the given version.
func (c *Catalog) Lookup(version string) (Unit, bool) {
	i, ok := c.index[version]
	if !ok {
		return Unit{}, false
	}
	return c.units[i], true
}

// parseFilename splits "001_create_users.sql" into ("001", "create users").
func parseFilename(name string) (version, description string, err error) {
	base := strings.TrimSuffix(name, ".sql")
	version, rest, _ := strings.Cut(base, "_")
	if err := validateVersion(version); err != nil {
		return "", "", fmt.Errorf("%w: file %s", err, name)
	}
	return version, strings.TrimSpace(strings.ReplaceAll(rest, "_", " ")), nil
}

func validateVersion(v string) error {
	if v == "" {
		return ErrInvalidVersion
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return ErrInvalidVersion
		}
	}
	return nil
}

// normalizeVersion strips leading zeros so "1" and "001" collide.
func normalizeVersion(v string) string {
	n := strings.TrimLeft(v, "0")
	if n == "" {
		return "0"
	}
	return n
}

// VersionLess orders numeric versions. For equal-width zero-padded versions
// this is the same as lexical order. Tracking stores use it so their listings
// agree with catalog order.
func VersionLess(a, b string) bool {
	na, nb := normalizeVersion(a), normalizeVersion(b)
	if len(na) != len(nb) {
		return len(na) < len(nb)
	}
	if na != nb {
		return na < nb
	}
	return a < b
}

func sourceOf(u Unit) string {
	if u.Source != "" {
		return u.Source
	}
	return "version " + u.Version
}
