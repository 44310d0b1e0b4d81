package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// fileDocument is the on-disk TOML shape (spec.md §4.1): a [daemon] table
// plus a [[domains]] array of tables, each with a nested [[domains.routes]]
// array. Mirrors the decode-then-validate pipeline other_examples'
// vNodesV-vProx main.go runs over its own TOML config.
type fileDocument struct {
	Daemon  DaemonConfig   `toml:"daemon"`
	Domains []DomainRecord `toml:"domains"`
}

// Load decodes path into a fresh Store, validating every record and the
// daemon table before any of it becomes visible to readers. A malformed
// file returns an error and touches nothing (spec.md §8: reload safety).
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc fileDocument
	if err := toml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Daemon == (DaemonConfig{}) {
		doc.Daemon = DefaultDaemonConfig()
	}
	if err := doc.Daemon.Validate(); err != nil {
		return nil, err
	}

	st := &Store{domains: make(map[string]*DomainRecord), daemon: doc.Daemon}
	for i := range doc.Domains {
		rec := doc.Domains[i]
		if err := st.insertUnlocked(&rec); err != nil {
			return nil, err
		}
	}
	st.publish()
	return st, nil
}

// insertUnlocked is Insert's validation body without the mutex/publish and
// without the wildcard-shadow check, used only during Load and ReloadFrom
// where the Store isn't shared yet.
func (s *Store) insertUnlocked(rec *DomainRecord) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	name := rec.Name

	seen := make(map[string]struct{}, len(rec.Routes))
	normalized := make([]Route, len(rec.Routes))
	for i, r := range rec.Routes {
		np, err := normalizePathPrefix(r.PathPrefix)
		if err != nil {
			return err
		}
		if _, dup := seen[np]; dup {
			return fmt.Errorf("%w: %q", ErrRouteExists, np)
		}
		seen[np] = struct{}{}
		normalized[i] = Route{PathPrefix: np, Target: r.Target}
	}
	if _, exists := s.domains[name]; exists {
		return fmt.Errorf("%w: %q", ErrDomainExists, name)
	}

	cp := rec.Clone()
	cp.Name = name
	cp.Routes = normalized
	s.domains[name] = cp
	return nil
}

// Diff summarizes the effect of a reload (spec.md §4.7, §6: "added, removed,
// changed" log fields).
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// ReloadFrom re-parses path and, if it validates cleanly, atomically
// replaces this Store's in-memory state. On any parse/validate failure the
// current state is left completely untouched (spec.md §4.7: "Reload is
// transactional... the old snapshot remains in force"). Port changes are
// rejected outright since the Supervisor's listeners are already bound to
// the old ports and cannot be rebound without a restart.
func (s *Store) ReloadFrom(path string) (Diff, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Diff{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc fileDocument
	if err := toml.Unmarshal(b, &doc); err != nil {
		return Diff{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Daemon == (DaemonConfig{}) {
		doc.Daemon = DefaultDaemonConfig()
	}
	if err := doc.Daemon.Validate(); err != nil {
		return Diff{}, err
	}

	next := &Store{domains: make(map[string]*DomainRecord), daemon: doc.Daemon}
	for i := range doc.Domains {
		rec := doc.Domains[i]
		if err := next.insertUnlocked(&rec); err != nil {
			return Diff{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Daemon.HTTPPort != s.daemon.HTTPPort || doc.Daemon.HTTPSPort != s.daemon.HTTPSPort || doc.Daemon.DNSPort != s.daemon.DNSPort {
		return Diff{}, fmt.Errorf("config: port changes require a restart, not a reload")
	}

	var diff Diff
	for name, rec := range next.domains {
		old, existed := s.domains[name]
		switch {
		case !existed:
			diff.Added = append(diff.Added, name)
		case !sameRecord(old, rec):
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range s.domains {
		if _, stillThere := next.domains[name]; !stillThere {
			diff.Removed = append(diff.Removed, name)
		}
	}

	s.domains = next.domains
	s.daemon = doc.Daemon
	s.publish()
	return diff, nil
}

func sameRecord(a, b *DomainRecord) bool {
	if a.HTTPSEnabled != b.HTTPSEnabled || a.Wildcard != b.Wildcard || len(a.Routes) != len(b.Routes) {
		return false
	}
	for i := range a.Routes {
		if a.Routes[i] != b.Routes[i] {
			return false
		}
	}
	return true
}

// Save serializes the current Store to path using a write-to-temp-then-
// rename sequence so a crash mid-write never corrupts the live config
// (teacher convention: atomic replace over in-place truncate).
func (s *Store) Save(path string) error {
	s.mu.Lock()
	doc := fileDocument{Daemon: s.daemon}
	for _, d := range s.domains {
		doc.Domains = append(doc.Domains, *d.Clone())
	}
	s.mu.Unlock()

	b, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".roxy-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
