package daemon

import (
	"strings"

	"github.com/roxyproxy/roxy/internal/config"
)

// caResolver adapts the live config.Store into ca.Resolver, implementing
// spec.md §4.2's SNI resolution: exact match, then one leftmost-label strip
// against a wildcard-enabled ancestor. This is deliberately narrower than
// internal/router's multi-level wildcard walk (spec.md §4.2 says "one level
// only"; §4.4's HTTP routing is allowed to walk further).
type caResolver struct {
	store *config.Store
}

func (r *caResolver) Resolve(host string) ([]string, bool) {
	snap := r.store.Snapshot()
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if d, ok := snap.Lookup(host); ok {
		return sansFor(d), true
	}

	if idx := strings.IndexByte(host, '.'); idx != -1 {
		parent := host[idx+1:]
		if d, ok := snap.Lookup(parent); ok && d.Wildcard {
			return sansFor(d), true
		}
	}

	return nil, false
}

func sansFor(d *config.DomainRecord) []string {
	sans := []string{d.Name}
	if d.Wildcard {
		sans = append(sans, "*."+d.Name)
	}
	return sans
}
