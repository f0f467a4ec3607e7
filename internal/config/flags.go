package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, v ...any)
}

type flagsFile struct {
	DisableSync      bool `json:"disableSync"`
	DisableInference bool `json:"disableInference"`
	FullRefresh      bool `json:"fullRefresh"`
}

// Flags are the runtime kill switches and the one-shot full-refresh request,
// read from a small JSON file and hot-reloaded when it changes. A missing
// file means everything is enabled; the flags must never block startup.
type Flags struct {
	mu      sync.RWMutex
	path    string
	logger  Logger
	current flagsFile
	watcher *fsnotify.Watcher
}

func NewFlags(path string, logger Logger) *Flags {
	f := &Flags{path: path, logger: logger}
	if err := f.Reload(); err != nil {
		f.logf("load flags file: %v", err)
	}
	return f
}

// Reload re-reads the flags file. A missing file resets everything to off.
func (f *Flags) Reload() error {
	if f.path == "" {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.mu.Lock()
			f.current = flagsFile{}
			f.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read flags file: %w", err)
	}
	var parsed flagsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse flags file: %w", err)
	}
	f.mu.Lock()
	f.current = parsed
	f.mu.Unlock()
	return nil
}

// Watch reloads the flags whenever the file (or its directory entry)
// changes. Call Close to stop the watcher.
func (f *Flags) Watch() error {
	if f.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create flags watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch flags dir: %w", err)
	}
	f.watcher = watcher
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(f.path) {
					continue
				}
				if err := f.Reload(); err != nil {
					f.logf("reload flags after %s: %v", event.Op, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logf("flags watcher: %v", err)
			}
		}
	}()
	return nil
}

func (f *Flags) logf(format string, v ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, v...)
}

func (f *Flags) Close() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Close()
}

func (f *Flags) SyncDisabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.DisableSync
}

func (f *Flags) InferenceDisabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.DisableInference
}

func (f *Flags) FullRefreshRequested() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.FullRefresh
}

// ClearFullRefresh rewrites the flags file with the full-refresh bit off
// after a pass has honored it, so the request fires once.
func (f *Flags) ClearFullRefresh() error {
	f.mu.Lock()
	f.current.FullRefresh = false
	snapshot := f.current
	f.mu.Unlock()
	if f.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	return writeFileAtomic(f.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
