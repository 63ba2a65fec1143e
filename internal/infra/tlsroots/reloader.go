package tlsroots

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertReloader serves a key pair and reloads it when the files change. A
// pair that fails to load is logged and the previous one stays in use.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	settle   time.Duration

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewCertReloader loads the key pair. It does not watch until Watch.
func NewCertReloader(certFile, keyFile string, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger.With("component", "tls"),
		settle:   100 * time.Millisecond,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the key pair from disk.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("tlsroots: load key pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// ServerConfig returns server TLS settings backed by the reloader.
func (r *CertReloader) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Watch starts reloading on changes. The directories are watched rather
// than the files so that editors and secret mounts that replace files by
// rename are seen.
func (r *CertReloader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tlsroots: create watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("tlsroots: watch %s: %w", dir, err)
		}
	}
	r.watcher = w
	go r.loop()
	return nil
}

func (r *CertReloader) loop() {
	defer close(r.stopped)
	names := map[string]bool{
		filepath.Clean(r.certFile): true,
		filepath.Clean(r.keyFile):  true,
	}
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !names[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Cert and key are usually rewritten together.
			pending = time.After(r.settle)
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("certificate reload failed", "cert_file", r.certFile, "error", err)
				continue
			}
			r.logger.Info("certificate reloaded", "cert_file", r.certFile)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("certificate watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}

// Close stops watching.
func (r *CertReloader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		if r.watcher != nil {
			<-r.stopped
			err = r.watcher.Close()
		}
	})
	return err
}
