// Package tlsconfig builds the *tls.Config shared by relayd's QUIC and
// WebSocket listeners: PEM-or-DER certificate/key loading with PKCS#8-then
// PKCS#1 key selection, TLS 1.3 only, and optional SSLKEYLOGFILE support
// (0-RTT early data is enabled on the quic.Config in internal/listener, not
// here). Watcher adds fsnotify-driven hot reload of the
// key/cert pair so a certificate rotated on disk takes effect without a
// restart.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Options configures certificate/key loading for one listener.
type Options struct {
	KeyPath  string
	CertPath string
	// NextProtos is the ALPN protocol list advertised by this listener.
	NextProtos []string
}

// BuildWatched is Build plus a live Watcher: the returned *tls.Config's
// GetCertificate is wired to the Watcher instead of a static Certificates
// slice, so a certificate rotated on disk after startup takes effect on the
// next handshake without a restart. Callers own the returned Watcher's
// lifetime and must Close it on shutdown.
func BuildWatched(logger *zap.Logger, opts Options) (*tls.Config, *Watcher, error) {
	watcher, _, err := Watch(logger, opts.KeyPath, opts.CertPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := &tls.Config{
		GetCertificate: watcher.Current,
		MinVersion:     tls.VersionTLS13,
		MaxVersion:     tls.VersionTLS13,
		NextProtos:     opts.NextProtos,
	}

	if keylog := os.Getenv("SSLKEYLOGFILE"); keylog != "" {
		f, err := os.OpenFile(keylog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			watcher.Close()
			return nil, nil, fmt.Errorf("open SSLKEYLOGFILE %q: %w", keylog, err)
		}
		cfg.KeyLogWriter = f
	}

	return cfg, watcher, nil
}

// Build loads the certificate/key pair at opts.KeyPath/opts.CertPath and
// returns a *tls.Config restricted to TLS 1.3, with ALPN set to
// opts.NextProtos. Any failure to load or parse is fatal at startup.
func Build(opts Options) (*tls.Config, error) {
	cert, err := loadCertificate(opts.KeyPath, opts.CertPath)
	if err != nil {
		return nil, err
	}

	// Unlimited early data is a QUIC concern (quic.Config.Allow0RTT), not a
	// crypto/tls.Config field; it's wired at the listener where the
	// quic.Config is constructed.
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		NextProtos:   opts.NextProtos,
	}

	if keylog := os.Getenv("SSLKEYLOGFILE"); keylog != "" {
		f, err := os.OpenFile(keylog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open SSLKEYLOGFILE %q: %w", keylog, err)
		}
		cfg.KeyLogWriter = f
	}

	return cfg, nil
}

// Watcher keeps a *tls.Config's certificate current as the underlying
// key/cert files change on disk, via fsnotify. BuildWatched wires a
// Watcher's Current method into tls.Config.GetCertificate; callers that
// want the same behavior on a config built some other way can call Watch
// directly.
type Watcher struct {
	logger   *zap.Logger
	keyPath  string
	certPath string

	mu      sync.Mutex
	current atomic.Pointer[tls.Certificate]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch loads the initial certificate at keyPath/certPath, starts an
// fsnotify watch on both files' containing directories (fsnotify watches
// directories, not bare files, so atomic renames during a cert rotation are
// observed), and keeps reloading on every write/create/rename event. It
// returns the Watcher and the initially loaded certificate, or an error if
// the initial load fails.
func Watch(logger *zap.Logger, keyPath, certPath string) (*Watcher, tls.Certificate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cert, err := loadCertificate(keyPath, certPath)
	if err != nil {
		return nil, tls.Certificate{}, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, dir := range uniqueDirs(keyPath, certPath) {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, tls.Certificate{}, fmt.Errorf("watch %q: %w", dir, err)
		}
	}

	w := &Watcher{
		logger:   logger,
		keyPath:  keyPath,
		certPath: certPath,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	w.current.Store(&cert)

	go w.run()
	return w, cert, nil
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dirs = append(dirs, d)
	}
	return dirs
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.keyPath && event.Name != w.certPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tls watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cert, err := loadCertificate(w.keyPath, w.certPath)
	if err != nil {
		w.logger.Warn("tls certificate reload failed, keeping previous certificate", zap.Error(err))
		return
	}
	w.current.Store(&cert)
	w.logger.Info("tls certificate reloaded", zap.String("key", w.keyPath), zap.String("cert", w.certPath))
}

// Current implements tls.Config.GetCertificate, always returning the most
// recently loaded certificate.
func (w *Watcher) Current(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return w.current.Load(), nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func loadCertificate(keyPath, certPath string) (tls.Certificate, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read private key: %w", err)
	}
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate chain: %w", err)
	}

	key, err := parsePrivateKey(keyBytes, isDER(keyPath))
	if err != nil {
		return tls.Certificate{}, err
	}

	certDER, err := parseCertificateChain(certBytes, isDER(certPath))
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: certDER,
		PrivateKey:  key,
	}, nil
}

func isDER(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".der")
}

// parsePrivateKey: DER is used as-is; PEM tries PKCS#8 first, then falls
// back to PKCS#1 RSA. A file with no recognizable key block is a fatal
// error.
func parsePrivateKey(raw []byte, der bool) (any, error) {
	if der {
		key, err := x509.ParsePKCS8PrivateKey(raw)
		if err == nil {
			return key, nil
		}
		if rsaKey, rsaErr := x509.ParsePKCS1PrivateKey(raw); rsaErr == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("malformed DER private key: %w", err)
	}

	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("no private keys found")
}

// parseCertificateChain: DER is a single certificate; PEM collects every
// CERTIFICATE block in file order.
func parseCertificateChain(raw []byte, der bool) ([][]byte, error) {
	if der {
		return [][]byte{raw}, nil
	}

	var chain [][]byte
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("invalid PEM-encoded certificate")
	}
	return chain, nil
}
