// Package ca implements Roxy's local certificate authority: a self-signed
// root installed once into the OS/browser trust store by the operator, and
// an on-demand leaf issuer driven by TLS SNI (spec.md §4.2).
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	rootKeyBits  = 4096
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 825 * 24 * time.Hour // the 825-day CA/Browser Forum ceiling
	maxCacheSize = 4096

	rootCertFile = "roxy-root-ca.pem"
	rootKeyFile  = "roxy-root-ca-key.pem"
)

var (
	// ErrSNIRequired is returned by GetCertificate when the TLS ClientHello
	// carries no server name (spec.md §4.2: "a bare IP connection has no
	// name to issue a certificate for").
	ErrSNIRequired = errors.New("ca: SNI required, connect using a .roxy hostname")
	// ErrUnknownName is returned when no DomainRecord resolves the SNI name.
	ErrUnknownName = errors.New("ca: no domain registered for this name")
)

// Resolver looks up the SAN set a leaf certificate should carry for a given
// TLS server name. internal/daemon's caResolver adapts the live config.Store
// to this interface.
type Resolver interface {
	// Resolve returns the DNS names a certificate for host must cover (the
	// name of the DomainRecord host resolves to, plus "*."+name when that
	// record is wildcard-enabled), or ok=false if host isn't registered at
	// all.
	Resolve(host string) (sans []string, ok bool)
}

// Root holds the CA's signing key and self-signed certificate.
type Root struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// LoadOrCreateRoot loads the root CA from dir, generating and persisting a
// fresh RSA-4096 self-signed root on first run (spec.md §4.2: "CA install is
// idempotent"). dir is created if absent.
func LoadOrCreateRoot(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: create %s: %w", dir, err)
	}

	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyFile)

	if _, err := os.Stat(certPath); err == nil {
		return loadRoot(certPath, keyPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ca: stat %s: %w", certPath, err)
	}

	return generateRoot(certPath, keyPath)
}

func loadRoot(certPath, keyPath string) (*Root, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("ca: read root cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("ca: read root key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: %s is not PEM-encoded", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca: %s is not PEM-encoded", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse root key: %w", err)
	}

	return &Root{Cert: cert, Key: key}, nil
}

func generateRoot(certPath, keyPath string) (*Root, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, fmt.Errorf("ca: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("ca: generate root serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Roxy Local Development CA"},
			CommonName:   "Roxy Root CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("ca: create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: parse generated root certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return nil, err
	}

	return &Root{Cert: cert, Key: key}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("ca: open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// Engine issues and caches leaf certificates on demand from TLS SNI,
// adapted from other_examples' paw-proxy CertCache: generate-on-miss with
// double-checked locking, but keyed per-registered-name instead of one
// blanket wildcard, since each Roxy domain owns its own SAN set.
type Engine struct {
	root     *Root
	resolver Resolver
	certsDir string

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	// onIssue, if set, is called with (host, fingerprint) after each leaf
	// issuance so the config store can record it (spec.md §3 cert_fingerprint).
	onIssue func(host, fingerprint string)
}

// NewEngine returns an Engine serving leaves signed by root, using resolver
// to determine the SAN set for each incoming SNI name. certsDir is where
// per-domain leaf key/cert pairs are persisted (spec.md §4.2, §6).
func NewEngine(root *Root, resolver Resolver, certsDir string) *Engine {
	return &Engine{
		root:     root,
		resolver: resolver,
		certsDir: certsDir,
		cache:    make(map[string]*tls.Certificate),
	}
}

// OnIssue registers a callback invoked after every successful leaf issuance.
func (e *Engine) OnIssue(fn func(host, fingerprint string)) {
	e.onIssue = fn
}

// GetCertificate is wired as tls.Config.GetCertificate (spec.md §4.5).
func (e *Engine) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
	if name == "" {
		return nil, ErrSNIRequired
	}

	if cert, ok := e.lookupFresh(name); ok {
		return cert, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cert, ok := e.cache[name]; ok && isFresh(cert) {
		return cert, nil
	}

	sans, ok := e.resolver.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}

	// Loaded lazily from disk on first SNI hit per process (spec.md §4.2);
	// only trusted if still fresh and covering exactly the SANs the
	// resolver currently expects (a reload may have changed them).
	if cert, ok := e.loadLeaf(name); ok && isFresh(cert) && sameSANs(cert.Leaf.DNSNames, sans) {
		e.cacheLocked(name, cert)
		return cert, nil
	}

	cert, fingerprint, err := e.issueLeaf(sans)
	if err != nil {
		return nil, err
	}

	if err := e.persistLeaf(name, cert); err != nil {
		return nil, err
	}
	e.cacheLocked(name, cert)

	if e.onIssue != nil {
		e.onIssue(name, fingerprint)
	}
	return cert, nil
}

func (e *Engine) cacheLocked(name string, cert *tls.Certificate) {
	if len(e.cache) >= maxCacheSize {
		// Defensive bound against unbounded SNI churn; the common case
		// never approaches this, so a blunt full clear is acceptable.
		e.cache = make(map[string]*tls.Certificate, maxCacheSize/2)
	}
	e.cache[name] = cert
}

func sameSANs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Evict drops name's cached leaf and removes its persisted key/cert pair
// (spec.md §4.2 "on unregister, remove disk files and evict the entry";
// §4.7 reload's removed-domain diff).
func (e *Engine) Evict(name string) {
	e.mu.Lock()
	delete(e.cache, name)
	e.mu.Unlock()

	os.Remove(e.leafKeyPath(name))
	os.Remove(e.leafCertPath(name))
}

func (e *Engine) leafKeyPath(name string) string  { return filepath.Join(e.certsDir, name+".key") }
func (e *Engine) leafCertPath(name string) string { return filepath.Join(e.certsDir, name+".crt") }

// persistLeaf writes cert's key (0600) and certificate (0644) to certsDir
// (spec.md §6 on-disk layout).
func (e *Engine) persistLeaf(name string, cert *tls.Certificate) error {
	if err := os.MkdirAll(e.certsDir, 0o700); err != nil {
		return fmt.Errorf("ca: create %s: %w", e.certsDir, err)
	}
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("ca: leaf key for %q is not ECDSA", name)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("ca: marshal leaf key for %q: %w", name, err)
	}
	if err := writePEM(e.leafKeyPath(name), "EC PRIVATE KEY", der, 0o600); err != nil {
		return err
	}
	return writePEM(e.leafCertPath(name), "CERTIFICATE", cert.Certificate[0], 0o644)
}

// loadLeaf reads a previously-persisted key/cert pair for name, if present.
func (e *Engine) loadLeaf(name string) (*tls.Certificate, bool) {
	keyPEM, err := os.ReadFile(e.leafKeyPath(name))
	if err != nil {
		return nil, false
	}
	certPEM, err := os.ReadFile(e.leafCertPath(name))
	if err != nil {
		return nil, false
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, false
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, false
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, false
	}
	leaf, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, false
	}

	return &tls.Certificate{
		Certificate: [][]byte{certBlock.Bytes, e.root.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, true
}

func (e *Engine) lookupFresh(name string) (*tls.Certificate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cert, ok := e.cache[name]
	if !ok || !isFresh(cert) {
		return nil, false
	}
	return cert, true
}

func isFresh(cert *tls.Certificate) bool {
	return cert.Leaf != nil && time.Now().Before(cert.Leaf.NotAfter)
}

// issueLeaf signs a fresh ECDSA P-256 leaf certificate covering sans.
func (e *Engine) issueLeaf(sans []string) (*tls.Certificate, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("ca: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("ca: generate leaf serial: %w", err)
	}

	now := time.Now()
	// A leaf must never outlive its signer (spec.md §3, §4.2: "validity
	// bounded to the Root's remaining validity").
	validity := leafValidity
	if remaining := e.root.Cert.NotAfter.Sub(now); remaining < validity {
		validity = remaining
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Roxy Local Development CA"},
			CommonName:   sans[0],
			// SerialNumber here is an opaque per-issuance tag independent
			// of the certificate's own x509 serial, kept purely so two
			// leaves minted in the same instant remain distinguishable by
			// eye in `openssl x509 -text` output.
			SerialNumber: uuid.New().String(),
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    sans,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, e.root.Cert, &key.PublicKey, e.root.Key)
	if err != nil {
		return nil, "", fmt.Errorf("ca: sign leaf for %v: %w", sans, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, "", fmt.Errorf("ca: parse signed leaf: %w", err)
	}

	fingerprint := fmt.Sprintf("%x", sha256.Sum256(der))
	return &tls.Certificate{
		Certificate: [][]byte{der, e.root.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, fingerprint, nil
}
