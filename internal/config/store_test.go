package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		kind    TargetKind
	}{
		{"3000", false, PortBackend},
		{"65535", false, PortBackend},
		{"0", true, 0},
		{"70000", true, 0},
		{"127.0.0.1:9000", false, HostPortBackend},
		{"/srv/www", false, StaticDir},
		{"", true, 0},
		{"not-a-target", true, 0},
	}
	for _, c := range cases {
		got, err := ParseTarget(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseTarget(%q): want error, got nil", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got.Kind != c.kind {
			t.Errorf("ParseTarget(%q).Kind = %v, want %v", c.in, got.Kind, c.kind)
		}
	}
}

func TestValidateName(t *testing.T) {
	ok := []string{"foo.roxy", "my-app.roxy", "a.b.c.roxy"}
	bad := []string{"foo", "FOO.roxy", "-foo.roxy", "foo-.roxy", "foo..roxy", ""}

	for _, n := range ok {
		if err := ValidateName(n); err != nil {
			t.Errorf("ValidateName(%q): unexpected error: %v", n, err)
		}
	}
	for _, n := range bad {
		if err := ValidateName(n); err == nil {
			t.Errorf("ValidateName(%q): want error, got nil", n)
		}
	}
}

func TestStoreInsertGetRemove(t *testing.T) {
	st := NewStore()

	rec := &DomainRecord{
		Name:   "app.roxy",
		Routes: []Route{{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 3000}}},
	}
	if err := st.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Insert(rec); !errors.Is(err, ErrDomainExists) {
		t.Fatalf("Insert duplicate: got %v, want ErrDomainExists", err)
	}

	got, err := st.Get("app.roxy")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "app.roxy" || len(got.Routes) != 1 {
		t.Fatalf("Get returned %+v", got)
	}

	snap := st.Snapshot()
	if _, ok := snap.Lookup("app.roxy"); !ok {
		t.Fatal("Snapshot.Lookup: expected app.roxy to be present")
	}

	if err := st.Remove("app.roxy"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := st.Remove("app.roxy"); !errors.Is(err, ErrDomainNotFound) {
		t.Fatalf("Remove absent: got %v, want ErrDomainNotFound", err)
	}

	// The snapshot taken before removal must still see the old state:
	// readers never observe a torn update mid-request.
	if _, ok := snap.Lookup("app.roxy"); !ok {
		t.Fatal("earlier snapshot must remain unaffected by later mutation")
	}
}

func TestStoreRouteUniqueness(t *testing.T) {
	st := NewStore()
	rec := &DomainRecord{
		Name: "app.roxy",
		Routes: []Route{
			{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 3000}},
			{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 4000}},
		},
	}
	if err := st.Insert(rec); !errors.Is(err, ErrRouteExists) {
		t.Fatalf("Insert with duplicate route: got %v, want ErrRouteExists", err)
	}

	rec.Routes = rec.Routes[:1]
	if err := st.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.AddRoute("app.roxy", Route{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 5000}}); !errors.Is(err, ErrRouteExists) {
		t.Fatalf("AddRoute duplicate: got %v, want ErrRouteExists", err)
	}
	if err := st.AddRoute("app.roxy", Route{PathPrefix: "/api", Target: Target{Kind: PortBackend, Port: 5000}}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := st.RemoveRoute("app.roxy", "/api"); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}
	if err := st.RemoveRoute("app.roxy", "/api"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("RemoveRoute absent: got %v, want ErrRouteNotFound", err)
	}
}

func TestStoreWildcardShadow(t *testing.T) {
	st := NewStore()
	parent := &DomainRecord{
		Name:     "app.roxy",
		Wildcard: true,
		Routes:   []Route{{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 3000}}},
	}
	if err := st.Insert(parent); err != nil {
		t.Fatalf("Insert parent: %v", err)
	}

	// A routeless child that would only ever be reachable through the
	// parent's wildcard fallback is rejected as an ambiguous registration.
	child := &DomainRecord{Name: "api.app.roxy"}
	if err := st.Insert(child); !errors.Is(err, ErrWildcardShadow) {
		t.Fatalf("Insert shadowed child: got %v, want ErrWildcardShadow", err)
	}

	// A child with its own routes is a legitimate, independently-resolved
	// registration and must be accepted.
	child.Routes = []Route{{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 4000}}}
	if err := st.Insert(child); err != nil {
		t.Fatalf("Insert child with routes: %v", err)
	}

	snap := st.Snapshot()
	if _, ok := snap.Lookup("api.app.roxy"); !ok {
		t.Fatal("expected exact match for api.app.roxy")
	}
	if d, ok := snap.LookupWildcard("missing.app.roxy"); !ok || d.Name != "app.roxy" {
		t.Fatalf("LookupWildcard(missing.app.roxy) = %v, %v; want app.roxy, true", d, ok)
	}
}

func TestDaemonConfigValidate(t *testing.T) {
	c := DefaultDaemonConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config: unexpected error: %v", err)
	}

	c.HTTPPort = c.HTTPSPort
	if err := c.Validate(); !errors.Is(err, ErrPortsCollide) {
		t.Fatalf("colliding ports: got %v, want ErrPortsCollide", err)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.toml")

	st := NewStore()
	if err := st.Insert(&DomainRecord{
		Name:         "app.roxy",
		HTTPSEnabled: true,
		Routes: []Route{
			{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 3000}},
			{PathPrefix: "/static", Target: Target{Kind: StaticDir, Dir: "/srv/www"}},
		},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := loaded.Get("app.roxy")
	if err != nil {
		t.Fatalf("Get after round trip: %v", err)
	}
	if !got.HTTPSEnabled || len(got.Routes) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Routes[1].Target.Kind != StaticDir || got.Routes[1].Target.Dir != "/srv/www" {
		t.Fatalf("static dir target not preserved: %+v", got.Routes[1].Target)
	}
}

func TestReloadFromSwapsStateOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.toml")

	st := NewStore()
	if err := st.Insert(&DomainRecord{
		Name:   "one.roxy",
		Routes: []Route{{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 3000}}},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := loaded.Insert(&DomainRecord{
		Name:   "two.roxy",
		Routes: []Route{{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 4000}}},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := loaded.Remove("one.roxy"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := loaded.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second, independent Store reloading the same file should see the
	// new domain set reflected in its published snapshot.
	other, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	diff, err := other.ReloadFrom(path)
	if err != nil {
		t.Fatalf("ReloadFrom: %v", err)
	}
	_ = diff // no-op reload: file already matches other's current state

	snap := other.Snapshot()
	if _, ok := snap.Lookup("two.roxy"); !ok {
		t.Fatal("expected two.roxy to be present after reload")
	}
}

func TestReloadFromRejectsMalformedWithoutMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.toml")

	st := NewStore()
	if err := st.Insert(&DomainRecord{
		Name:   "app.roxy",
		Routes: []Route{{PathPrefix: "/", Target: Target{Kind: PortBackend, Port: 3000}}},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := os.WriteFile(path, []byte("not valid toml [[["), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := st.ReloadFrom(path); err == nil {
		t.Fatal("ReloadFrom: want error for malformed TOML, got nil")
	}

	// The old snapshot must remain completely in force (spec.md §4.7:
	// "Reload is transactional").
	if _, ok := st.Snapshot().Lookup("app.roxy"); !ok {
		t.Fatal("app.roxy must still be present after a rejected reload")
	}
}

func TestReloadFromRejectsPortChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.toml")

	st := NewStore()
	if err := st.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := DefaultDaemonConfig()
	cfg.HTTPPort = 8080
	doc := fileDocument{Daemon: cfg}
	b, err := toml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := st.ReloadFrom(path); err == nil {
		t.Fatal("ReloadFrom: want error for a port change, got nil")
	}
	if st.Snapshot().Daemon.HTTPPort != DefaultDaemonConfig().HTTPPort {
		t.Fatal("daemon config must remain unchanged after a rejected reload")
	}
}

func TestLoadRejectsMalformedWithoutSideEffects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.toml")
	if err := os.WriteFile(path, []byte("not valid toml [[["), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for malformed TOML, got nil")
	}
}
