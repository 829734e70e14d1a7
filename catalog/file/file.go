// Package file provides a read-only catalog.Source loaded from a directory of
// YAML or JSON documents. Each document is either one record or a list of
// records, and every record carries a "kind" field:
//
//	- kind: Template
//	  namespace: team-a
//	  name: fetch
//	  image: ghcr.io/example/mcp-fetch:1.2.0
//	  resourceLimit: small
//	- kind: ResourceLimit
//	  namespace: team-a
//	  name: small
//	  cpuLimit: 500m
//	  memoryLimit: 256Mi
//
// Watch reloads the directory whenever it changes. A load that fails leaves
// the previous content in place.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/ggoodman/mcp-pod-gateway/catalog/memory"
	"gopkg.in/yaml.v3"
)

// Source is a catalog loaded from disk.
type Source struct {
	dir      string
	log      *slog.Logger
	debounce time.Duration
	store    *memory.Store
	loads    atomic.Int64
}

var _ catalog.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger used for reload events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDebounce sets how long Watch waits for a burst of file events to settle
// before reloading. Default 200ms.
func WithDebounce(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// New loads every catalog document under dir.
func New(dir string, opts ...Option) (*Source, error) {
	store, _ := memory.New()
	s := &Source{
		dir:      dir,
		log:      slog.Default(),
		debounce: 200 * time.Millisecond,
		store:    store,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get implements catalog.Source.
func (s *Source) Get(ctx context.Context, ref catalog.Ref) (catalog.Record, error) {
	return s.store.Get(ctx, ref)
}

// Len returns the number of records currently loaded.
func (s *Source) Len() int { return s.store.Len() }

// Loads returns how many successful loads have happened.
func (s *Source) Loads() int64 { return s.loads.Load() }

// Reload re-reads the directory and atomically swaps in its content.
func (s *Source) Reload() error {
	records, err := LoadDir(s.dir)
	if err != nil {
		return err
	}
	if err := s.store.Replace(records); err != nil {
		return err
	}
	s.loads.Add(1)
	return nil
}

// Watch reloads the catalog when files under the directory change. It blocks
// until ctx is done.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("catalog watch %s: %w", s.dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isCatalogFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				s.log.WarnContext(ctx, "catalog.reload.fail", slog.String("dir", s.dir), slog.String("err", err.Error()))
				continue
			}
			s.log.InfoContext(ctx, "catalog.reload.ok", slog.String("dir", s.dir), slog.Int("records", s.store.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "catalog.watch.error", slog.String("err", err.Error()))
		}
	}
}

// LoadDir parses every *.yaml, *.yml and *.json file directly under dir.
// Records must be unique by kind, namespace and name across all files.
func LoadDir(dir string) ([]catalog.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isCatalogFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[catalog.Ref]string)
	var out []catalog.Record
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		records, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, r := range records {
			if prev, dup := seen[r.Ref()]; dup {
				return nil, fmt.Errorf("%w: %s defined in both %s and %s", catalog.ErrInvalidRecord, r.Ref(), prev, path)
			}
			seen[r.Ref()] = path
			out = append(out, r)
		}
	}
	return out, nil
}

// Parse decodes a YAML (or JSON) stream of one or more documents.
func Parse(data []byte) ([]catalog.Record, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []catalog.Record
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", catalog.ErrInvalidRecord, err)
		}
		switch v := doc.(type) {
		case nil:
			continue
		case []any:
			for i, item := range v {
				r, err := decodeNode(item)
				if err != nil {
					return nil, fmt.Errorf("item %d: %w", i, err)
				}
				out = append(out, r)
			}
		default:
			r, err := decodeNode(v)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
}

func decodeNode(v any) (catalog.Record, error) {
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: expected a mapping, got %T", catalog.ErrInvalidRecord, v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", catalog.ErrInvalidRecord, err)
	}
	return catalog.Decode(data)
}

func isCatalogFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
