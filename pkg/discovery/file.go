package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrmesh/internal/logging"
)

// SeedFile is the on-disk format of a static peer list:
//
//	peers:
//	  - 10.0.0.2
//	  - http://10.0.0.3:9981
type SeedFile struct {
	Peers []string `yaml:"peers"`
}

// FileSource serves peers from a YAML seed file and reloads it on change.
// A reload that fails keeps the previous list.
type FileSource struct {
	path    string
	log     *zap.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	peers []string

	done chan struct{}
}

func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	f := &FileSource{path: filepath.Clean(path), log: logging.OrNop(logger).Named("seedfile"), done: make(chan struct{})}
	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors and config managers replace the file
	// rather than write it in place.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch seed file: %w", err)
	}
	f.watcher = w
	go f.watchLoop()
	return f, nil
}

func (f *FileSource) Name() string { return "file" }

// Register is a no-op; the seed file is maintained by the operator.
func (f *FileSource) Register(context.Context, Self) error { return nil }

func (f *FileSource) Lookup(_ context.Context, port int) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.peers))
	for _, p := range f.peers {
		out = append(out, BaseURL(p, port))
	}
	return out, nil
}

func (f *FileSource) Close() error {
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	<-f.done
	return err
}

func (f *FileSource) watchLoop() {
	defer close(f.done)
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Warn("seed file reload failed", zap.String("path", f.path), zap.Error(err))
				continue
			}
			f.log.Info("seed file reloaded", zap.String("path", f.path))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("seed file watcher error", zap.Error(err))
		}
	}
}

func (f *FileSource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	f.mu.Lock()
	f.peers = sf.Peers
	f.mu.Unlock()
	return nil
}
