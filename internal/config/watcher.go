package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader produces a fresh, validated config. The serve command passes a
// loader that re-applies its flag overrides.
type Loader func() (*Config, error)

// WatcherCallback is called with the new, validated config on every
// successful reload.
type WatcherCallback func(newCfg *Config)

// Watcher watches the config file and the optional tokens file and
// publishes a reloaded config when either changes. fsnotify gives quick
// reaction on ordinary filesystems; content-hash polling catches
// Kubernetes projected-volume updates, which swap a "..data" symlink and
// often produce no inotify event.
type Watcher struct {
	files        *fileSet
	load         Loader
	callback     WatcherCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher over paths. Empty paths are ignored.
// Watching does not begin until Start is called.
func NewWatcher(paths []string, load Loader, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		files:        newFileSet(paths),
		load:         load,
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, f := range w.files.entries {
		if err := watcher.Add(filepath.Dir(f.path)); err != nil {
			return err
		}
		_ = watcher.Add(f.path)
	}

	w.logger.Info("config watcher started", "paths", w.files.paths())
	w.files.snapshot()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.files.relevant(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C
			// Editors that save via rename drop the old inode from the watch.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = watcher.Add(event.Name)
			}

		case <-debounceCh:
			debounceCh = nil
			w.files.snapshot()
			w.reload()

		case <-pollTicker.C:
			if w.files.changed() {
				w.files.snapshot()
				w.logger.Debug("config change detected via polling")
				w.reload()
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload keeps the previous config when the new one fails to load.
func (w *Watcher) reload() {
	newCfg, err := w.load()
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded successfully")
	w.callback(newCfg)
}

// Stop terminates the watcher loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// ---------------------------------------------------------------------------
// CertWatcher
// ---------------------------------------------------------------------------

// CertCallback is called when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher polls TLS certificate files and fires a callback when either
// changes. Certificates usually live in a Secret volume where polling is the
// only reliable signal.
type CertWatcher struct {
	certFile     string
	keyFile      string
	files        *fileSet
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate watcher.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		files:        newFileSet([]string{certFile, keyFile}),
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)
	cw.files.snapshot()

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			if cw.files.changed() {
				cw.files.snapshot()
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher loop.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// ---------------------------------------------------------------------------
// fileSet
// ---------------------------------------------------------------------------

type watchedFile struct {
	path       string
	dataLink   string
	lastHash   string
	lastTarget string
}

// fileSet tracks content hashes and "..data" symlink targets for a group
// of files.
type fileSet struct {
	entries []*watchedFile
}

func newFileSet(paths []string) *fileSet {
	fs := &fileSet{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		fs.entries = append(fs.entries, &watchedFile{
			path:     p,
			dataLink: filepath.Join(filepath.Dir(p), "..data"),
		})
	}
	return fs
}

func (fs *fileSet) paths() []string {
	out := make([]string, 0, len(fs.entries))
	for _, f := range fs.entries {
		out = append(out, f.path)
	}
	return out
}

// relevant reports whether an fsnotify event name touches a watched file
// or its directory's "..data" link.
func (fs *fileSet) relevant(name string) bool {
	name = filepath.Clean(name)
	for _, f := range fs.entries {
		if name == filepath.Clean(f.path) || filepath.Dir(name) == filepath.Dir(f.path) {
			return true
		}
	}
	return false
}

func (fs *fileSet) changed() bool {
	for _, f := range fs.entries {
		if target := readlink(f.dataLink); target != "" && target != f.lastTarget {
			return true
		}
		if hashFile(f.path) != f.lastHash {
			return true
		}
	}
	return false
}

func (fs *fileSet) snapshot() {
	for _, f := range fs.entries {
		f.lastHash = hashFile(f.path)
		f.lastTarget = readlink(f.dataLink)
	}
}

// hashFile returns the SHA-256 digest of the resolved file content, or ""
// if the file cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if path is not one.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
