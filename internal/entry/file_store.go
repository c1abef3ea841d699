package entry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of the entries file.
type fileDocument struct {
	Entries []Entry `yaml:"entries"`
}

// FileStore persists entries in a YAML file. Changes made to the file by
// other processes are picked up by Watch and replayed to listeners.
type FileStore struct {
	*base
	path   string
	logger *zap.Logger

	writeMu     sync.Mutex
	lastWritten []byte
}

// NewFileStore loads the entries file at path. A missing file is an empty
// store; it is created on the first write.
func NewFileStore(path string, readOnly bool, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		base:   newBase(),
		path:   path,
		logger: logger.Named("entries"),
	}
	s.readOnly = readOnly
	s.persist = s.write

	entries, raw, err := s.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.replace(entries)
	s.lastWritten = raw

	s.logger.Info("Loaded config entries",
		zap.String("path", path),
		zap.Int("count", len(entries)),
		zap.Bool("read_only", readOnly))
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) read() ([]Entry, []byte, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read entries file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse entries file: %w", err)
	}

	for i := range doc.Entries {
		e := &doc.Entries[i]
		if e.ID == "" {
			return nil, nil, fmt.Errorf("%w: entry %d has no entry_id", ErrInvalidConfig, i)
		}
		if err := e.Data.Validate(); err != nil {
			return nil, nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if e.Title == "" {
			e.Title = Title(e.Data)
		}
	}
	return doc.Entries, raw, nil
}

// write replaces the file atomically. Called with the store lock held.
func (s *FileStore) write(entries []Entry) error {
	raw, err := yaml.Marshal(fileDocument{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create entries directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".entries-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write entries: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace entries file: %w", err)
	}
	s.lastWritten = raw
	return nil
}

// Reload re-reads the file and notifies listeners about every entry that
// differs from what the store holds. Content the store wrote itself is
// ignored, and so is a missing file: editors that swap files remove it
// briefly, and the following create event brings it back.
func (s *FileStore) Reload() error {
	// Local writes persist under s.mu, so holding it keeps them from
	// landing between the read and the replace.
	s.mu.Lock()
	entries, raw, err := s.read()
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Unlock()
		s.logger.Debug("Entries file is missing, keeping current entries", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.writeMu.Lock()
	own := bytes.Equal(raw, s.lastWritten)
	s.lastWritten = raw
	s.writeMu.Unlock()

	var changes []change
	if !own {
		changes = s.replaceLocked(entries)
	}
	s.mu.Unlock()

	if len(changes) > 0 {
		s.logger.Info("Entries file changed externally", zap.Int("changes", len(changes)))
		s.notify(changes...)
	}
	return nil
}

// Watch follows external edits of the entries file until ctx is done.
// The directory is watched so editors that replace the file are handled.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create entries directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Error("Failed to reload entries file", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("File watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
