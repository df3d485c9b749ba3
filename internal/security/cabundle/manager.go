package cabundle

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// Manager watches an optional CA bundle file and exposes a certificate pool
// built from it. Replication store connections verify against the current
// pool, so a rotated bundle applies to every new connection.
type Manager struct {
	path     string
	logger   logger.Logger
	onChange func()

	mu     sync.RWMutex
	pool   *x509.CertPool
	bundle Bundle

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new Manager. When path is empty no watcher is started
// and the system roots are used.
func NewManager(path string, log logger.Logger, onChange func()) (*Manager, error) {
	if log == nil {
		log = logger.NewNop()
	}
	mgr := &Manager{
		logger:   log,
		onChange: onChange,
	}
	if path == "" {
		return mgr, nil
	}
	mgr.path = filepath.Clean(path)

	if err := mgr.reload(); err != nil {
		return nil, fmt.Errorf("load CA bundle %s: %w", mgr.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	mgr.watcher = watcher
	mgr.stopCh = make(chan struct{})
	mgr.doneCh = make(chan struct{})

	// Watch the directory: secret mounts replace the file through a symlink swap
	dir := filepath.Dir(mgr.path)
	if err := watcher.Add(dir); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			log.Warn("Failed to close CA bundle watcher after add failure", "error", closeErr)
		}
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	go mgr.watchLoop()
	b := mgr.Bundle()
	log.Info("Replication store CA bundle loaded", "path", mgr.path, "certificates", b.Certificates, "not_after", b.NotAfter)
	return mgr, nil
}

// RootCAs returns the current certificate pool. May be nil when no bundle configured.
func (m *Manager) RootCAs() *x509.CertPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool
}

// TLSConfig builds a client tls.Config for serverName. With a bundle the
// peer chain is verified in VerifyConnection against the pool current at
// handshake time rather than the one captured here.
func (m *Manager) TLSConfig(serverName string, skipVerify bool) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if skipVerify {
		cfg.InsecureSkipVerify = true
		return cfg
	}
	if m.path == "" {
		return cfg
	}
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = m.verifyConnection
	return cfg
}

func (m *Manager) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: server presented no certificates")
	}
	opts := x509.VerifyOptions{
		Roots:         m.RootCAs(),
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// Bundle describes the currently loaded CA bundle.
type Bundle struct {
	Path         string
	Certificates int
	// NotAfter is the earliest expiry among the bundle's certificates.
	NotAfter time.Time
	LoadedAt time.Time
}

// Bundle returns a description of the loaded bundle. Zero without a path.
func (m *Manager) Bundle() Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bundle
}

// ForceReload reloads the bundle from disk immediately.
func (m *Manager) ForceReload() error {
	if m.path == "" {
		return nil
	}
	return m.reload()
}

// Close stops the watcher and releases resources.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.stopCh)
	err := m.watcher.Close()
	<-m.doneCh
	return err
}

// settleDelay coalesces the burst of events a single rotation produces.
const settleDelay = 100 * time.Millisecond

func (m *Manager) watchLoop() {
	defer close(m.doneCh)

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if m.isRelevant(event) {
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			if err := m.reloadEventually(); err != nil {
				m.logger.Warn("Replication store CA bundle reload failed", "path", m.path, "error", err)
				continue
			}
			b := m.Bundle()
			m.logger.Info("Replication store CA bundle reloaded", "path", m.path, "certificates", b.Certificates, "not_after", b.NotAfter)
			if m.onChange != nil {
				m.onChange()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Replication store CA bundle watcher error", "error", err)
		case <-m.stopCh:
			return
		}
	}
}

// reloadEventually retries while a writer is still replacing the file.
func (m *Manager) reloadEventually() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.reload()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	return err
}

func (m *Manager) reload() error {
	pool, info, err := loadBundle(m.path)
	if err != nil {
		return err
	}
	if now := time.Now(); !info.NotAfter.IsZero() && now.After(info.NotAfter) {
		m.logger.Warn("Replication store CA bundle contains an expired certificate", "path", m.path, "not_after", info.NotAfter)
	}
	info.LoadedAt = time.Now()
	m.mu.Lock()
	m.pool = pool
	m.bundle = info
	m.mu.Unlock()
	return nil
}

// isRelevant matches the bundle itself and the ..data symlink swaps that
// mounted secrets perform in the same directory.
func (m *Manager) isRelevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if event.Name == "" {
		return true
	}
	return filepath.Dir(filepath.Clean(event.Name)) == filepath.Dir(m.path)
}

var (
	errInvalidPEMData       = errors.New("invalid PEM data in CA bundle")
	errUnexpectedPEMBlock   = errors.New("unexpected PEM block type")
	errNoCertificatesInPool = errors.New("no certificates found in CA bundle")
)

func loadBundle(path string) (*x509.CertPool, Bundle, error) {
	info := Bundle{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, info, fmt.Errorf("read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	for rest := bytes.TrimSpace(data); len(rest) > 0; rest = bytes.TrimSpace(rest) {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			return nil, info, errInvalidPEMData
		}
		if block.Type != "CERTIFICATE" {
			return nil, info, fmt.Errorf("%w: %s", errUnexpectedPEMBlock, block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, info, fmt.Errorf("parse certificate: %w", err)
		}
		pool.AddCert(cert)
		info.Certificates++
		if info.NotAfter.IsZero() || cert.NotAfter.Before(info.NotAfter) {
			info.NotAfter = cert.NotAfter
		}
	}
	if info.Certificates == 0 {
		return nil, info, errNoCertificatesInPool
	}
	return pool, info, nil
}
