package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roxyproxy/roxy/internal/ca"
	"github.com/roxyproxy/roxy/internal/config"
	"github.com/roxyproxy/roxy/internal/dnsserver"
	"github.com/roxyproxy/roxy/internal/logging"
	"github.com/roxyproxy/roxy/internal/proxy"
	"github.com/roxyproxy/roxy/internal/tlsacceptor"
)

// Supervisor owns every long-lived subsystem and drives the lifecycle state
// machine from spec.md §4.7.
type Supervisor struct {
	home       string
	configPath string
	log        *logging.Logger

	store    *config.Store
	caEngine *ca.Engine
	dns      *dnsserver.Server

	httpLn  net.Listener
	httpsLn net.Listener

	httpSrv  *http.Server
	httpsSrv *http.Server

	writePID bool

	mu    sync.Mutex
	state State
}

// runForeground builds a Supervisor, runs its start-up sequence, and blocks
// serving until a shutdown signal or fatal error.
func runForeground(home string, opts Options, writePID bool) error {
	level := logging.ResolveLevel(os.Getenv("ROXY_LOG"), opts.Verbose, "")
	log := logging.NewStderr(level)

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(home, "config.toml")
	}

	sup := &Supervisor{
		home:       home,
		configPath: configPath,
		log:        log,
		writePID:   writePID,
		state:      StateUninitialized,
	}

	if err := sup.start(opts); err != nil {
		sup.setState(StateFailedToStart)
		return exitErrorFrom(err)
	}

	return sup.serve()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// start executes spec.md §4.7's start-up sequence: load config, verify CA
// material, bind the three listeners, drop privileges, write the PID file.
func (s *Supervisor) start(opts Options) error {
	s.setState(StateStarting)

	store, err := s.loadOrInitConfig()
	if err != nil {
		return &ExitError{Code: ExitConfigInvalid, Err: err}
	}
	s.store = store

	daemonCfg := store.Snapshot().Daemon
	s.log.SetLevel(logging.ResolveLevel(os.Getenv("ROXY_LOG"), opts.Verbose, daemonCfg.LogLevel))

	certsDir := filepath.Join(s.home, "certs")
	root, err := ca.LoadOrCreateRoot(certsDir)
	if err != nil {
		return &ExitError{Code: ExitCANotReady, Err: err}
	}

	s.caEngine = ca.NewEngine(root, &caResolver{store: store}, certsDir)
	s.caEngine.OnIssue(func(host, fingerprint string) {
		if err := store.SetCertFingerprint(host, fingerprint); err != nil {
			s.log.Zap().Warn("daemon: record cert fingerprint failed", zap.String("domain", host), zap.Error(err))
			return
		}
		s.log.Zap().Info("ca: issued leaf certificate", zap.String("domain", host), zap.String("fingerprint", fingerprint))
	})

	if err := s.bindListeners(daemonCfg); err != nil {
		return &ExitError{Code: ExitBindFailure, Err: err}
	}

	if err := dropPrivileges(daemonCfg.RunAs); err != nil {
		s.unwindListeners()
		return &ExitError{Code: ExitGeneric, Err: err}
	}

	if s.writePID {
		if err := writePIDFile(s.home); err != nil {
			s.unwindListeners()
			if errors.Is(err, ErrAlreadyRunning) {
				return &ExitError{Code: ExitAlreadyRunning, Err: err}
			}
			return &ExitError{Code: ExitGeneric, Err: err}
		}
	}

	s.httpSrv = &http.Server{Handler: proxy.New(store, "http", daemonCfg.HTTPSPort, s.log.Zap())}
	s.httpsSrv = &http.Server{Handler: proxy.New(store, "https", daemonCfg.HTTPSPort, s.log.Zap())}

	s.setState(StateRunning)
	s.log.Zap().Info("daemon: started",
		zap.Int("http_port", daemonCfg.HTTPPort),
		zap.Int("https_port", daemonCfg.HTTPSPort),
		zap.Int("dns_port", daemonCfg.DNSPort),
	)
	return nil
}

// loadOrInitConfig loads the config file, creating one with defaults on
// first run (spec.md §6 describes the on-disk layout but not a bootstrap
// step explicitly; a brand new <home> has no config.toml to load).
func (s *Supervisor) loadOrInitConfig() (*config.Store, error) {
	if _, err := os.Stat(s.configPath); os.IsNotExist(err) {
		store := config.NewStore()
		if err := store.Save(s.configPath); err != nil {
			return nil, fmt.Errorf("daemon: write initial config: %w", err)
		}
		return store, nil
	}
	return config.Load(s.configPath)
}

// bindListeners binds the dns, http, and https listeners concurrently, so
// the three binds happen in no fixed order. If any of them fails, whichever
// succeeded are closed again.
func (s *Supervisor) bindListeners(daemonCfg config.DaemonConfig) error {
	s.dns = dnsserver.New(fmt.Sprintf("127.0.0.1:%d", daemonCfg.DNSPort), s.log.Zap())

	var g errgroup.Group
	g.Go(func() error {
		if err := s.dns.Bind(); err != nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", daemonCfg.HTTPPort))
		if err != nil {
			return fmt.Errorf("daemon: bind http port %d: %w", daemonCfg.HTTPPort, err)
		}
		s.httpLn = ln
		return nil
	})
	g.Go(func() error {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", daemonCfg.HTTPSPort))
		if err != nil {
			return fmt.Errorf("daemon: bind https port %d: %w", daemonCfg.HTTPSPort, err)
		}
		s.httpsLn = ln
		return nil
	})

	if err := g.Wait(); err != nil {
		s.unwindListeners()
		return err
	}
	return nil
}

func (s *Supervisor) unwindListeners() {
	if s.dns != nil {
		s.dns.Close()
	}
	if s.httpLn != nil {
		s.httpLn.Close()
		s.httpLn = nil
	}
	if s.httpsLn != nil {
		s.httpsLn.Close()
		s.httpsLn = nil
	}
}

// serve starts all three listeners and blocks, reloading on SIGHUP and
// shutting down gracefully on SIGTERM/SIGINT (spec.md §4.7 "Signals").
func (s *Supervisor) serve() error {
	errCh := make(chan error, 3)

	go func() { errCh <- s.dns.Serve() }()
	go func() { errCh <- serveIgnoringClosed(s.httpSrv.Serve(s.httpLn)) }()
	go func() {
		tlsLn := tlsacceptor.Listen(s.httpsLn, s.caEngine, s.log.Zap())
		errCh <- serveIgnoringClosed(s.httpsSrv.Serve(tlsLn))
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				s.log.Zap().Error("daemon: listener failed", zap.Error(err))
				s.shutdown()
				return &ExitError{Code: ExitGeneric, Err: err}
			}
		case <-hupCh:
			s.reload()
		case <-ctx.Done():
			s.log.Zap().Info("daemon: shutdown requested")
			s.shutdown()
			return nil
		}
	}
}

func serveIgnoringClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shutdown stops accepting new connections, gives in-flight requests a
// drain window, then force-closes (spec.md §4.7, §5).
func (s *Supervisor) shutdown() {
	s.setState(StateStopping)

	drain := time.Duration(s.store.Snapshot().Daemon.DrainSeconds) * time.Second
	if drain <= 0 {
		drain = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.httpSrv.Shutdown(ctx) }()
	go func() { defer wg.Done(); s.httpsSrv.Shutdown(ctx) }()
	wg.Wait()

	if err := s.dns.Shutdown(); err != nil {
		s.log.Zap().Warn("daemon: dns shutdown", zap.Error(err))
	}

	if s.writePID {
		removePIDFile(s.home)
	}
	s.setState(StateStopped)
}
