// Package router implements host+path resolution against a config.Snapshot
// (spec.md §4.4): exact-name lookup, one-level-at-a-time wildcard ancestor
// fallback, and longest-prefix route matching.
package router

import (
	"errors"
	"strings"

	"github.com/roxyproxy/roxy/internal/config"
)

var (
	// ErrNoSuchHost is returned when no DomainRecord resolves host_header,
	// neither exactly nor through a wildcard ancestor.
	ErrNoSuchHost = errors.New("router: no such host")
	// ErrNoRoute is returned when a DomainRecord was found but no route's
	// path_prefix matches the request path.
	ErrNoRoute = errors.New("router: no matching route")
)

// Result is the outcome of a successful Resolve (spec.md §4.4 step 5).
type Result struct {
	Domain        *config.DomainRecord
	Route         config.Route
	MatchedPrefix string
	ResidualPath  string
}

// NormalizeHost lowercases host, strips a trailing port and trailing dot
// (spec.md §4.4 step 1).
func NormalizeHost(hostHeader string) string {
	h := hostHeader
	if idx := strings.LastIndexByte(h, ':'); idx != -1 {
		// Only strip when what follows ':' looks like a port (all digits);
		// this also happens to do the right thing for bare IPv4 hosts.
		if isAllDigits(h[idx+1:]) {
			h = h[:idx]
		}
	}
	h = strings.ToLower(h)
	h = strings.TrimSuffix(h, ".")
	return h
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Resolve implements spec.md §4.4 in full.
func Resolve(snap *config.Snapshot, hostHeader, path string) (*Result, error) {
	host := NormalizeHost(hostHeader)

	domain, ok := snap.Lookup(host)
	if !ok {
		domain, ok = snap.LookupWildcard(host)
	}
	if !ok {
		return nil, ErrNoSuchHost
	}

	route, matchedPrefix, ok := longestPrefixMatch(domain, path)
	if !ok {
		return nil, ErrNoRoute
	}

	residual := path[len(matchedPrefix):]
	if residual == "" {
		residual = "/"
	} else if !strings.HasPrefix(residual, "/") {
		residual = "/" + residual
	}

	return &Result{
		Domain:        domain,
		Route:         route,
		MatchedPrefix: matchedPrefix,
		ResidualPath:  residual,
	}, nil
}

// longestPrefixMatch selects the route whose path_prefix is a proper
// segment-boundary prefix of path, preferring the longest match. Ties are
// impossible under the store's path_prefix uniqueness invariant.
func longestPrefixMatch(d *config.DomainRecord, path string) (config.Route, string, bool) {
	var best config.Route
	bestLen := -1
	found := false

	for _, r := range d.Routes {
		prefix := r.PathPrefix
		if !isSegmentPrefix(path, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best = r
			bestLen = len(prefix)
			found = true
		}
	}
	return best, best.PathPrefix, found
}

// isSegmentPrefix reports whether prefix matches path at a segment
// boundary: path == prefix, or path starts with prefix + "/" (root "/"
// always matches as the universal fallback).
func isSegmentPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
