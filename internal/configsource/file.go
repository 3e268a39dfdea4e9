package configsource

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileDebounce = 500 * time.Millisecond

// Decoder parses one document's bytes into zero or more items, keyed by
// a stable name used to detect which items changed/vanished on rewrite.
type Decoder[T any] func(path string, content []byte) (map[string]T, error)

// FileSource watches a directory for *.yaml files (glob-debounced) and
// emits ConfigItemEvents per spec.md §6. Grounded on cfg_files_tracker.rs
// (original_source) for the tracked-document semantics, and on
// api-gateway's fsnotify/viper watcher for the Go watch-loop idiom.
type FileSource[T any] struct {
	dir     string
	glob    string
	decode  Decoder[T]
	watcher *fsnotify.Watcher
	events  chan Event[T]

	mu   sync.Mutex
	docs map[string]map[string]ItemHash // path -> item name -> hash

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFileSource[T any](dir, glob string, decode Decoder[T]) (*FileSource[T], error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	fs := &FileSource[T]{
		dir:     dir,
		glob:    glob,
		decode:  decode,
		watcher: w,
		events:  make(chan Event[T], 64),
		docs:    map[string]map[string]ItemHash{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs.cancel = cancel
	fs.wg.Add(1)
	go fs.run(ctx)

	// Prime with whatever already exists on disk.
	matches, _ := filepath.Glob(filepath.Join(dir, glob))
	for _, m := range matches {
		fs.reload(m)
	}
	return fs, nil
}

func (fs *FileSource[T]) Events() <-chan Event[T] { return fs.events }

func (fs *FileSource[T]) Close() error {
	fs.cancel()
	err := fs.watcher.Close()
	fs.wg.Wait()
	close(fs.events)
	return err
}

func (fs *FileSource[T]) run(ctx context.Context) {
	defer fs.wg.Done()
	pending := map[string]*time.Timer{}
	fire := make(chan string, 8)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-fire:
			delete(pending, path)
			if _, err := os.Stat(path); err != nil {
				fs.remove(path)
			} else {
				fs.reload(path)
			}
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			matched, _ := filepath.Match(fs.glob, filepath.Base(ev.Name))
			if !matched {
				continue
			}
			if t, ok := pending[ev.Name]; ok {
				t.Stop()
			}
			name := ev.Name
			pending[name] = time.AfterFunc(fileDebounce, func() { fire <- name })
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config file watcher error", "error", err)
		}
	}
}

func (fs *FileSource[T]) reload(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("config document unreadable, skipping", "path", path, "error", err)
		return
	}
	items, err := fs.decode(path, content)
	if err != nil {
		slog.Warn("malformed configuration document, skipping", "path", path, "error", err)
		return
	}

	fnHash := hashString(path)
	fs.mu.Lock()
	prev := fs.docs[path]
	next := make(map[string]ItemHash, len(items))
	fs.mu.Unlock()

	if prev == nil {
		fs.events <- Event[T]{Kind: EventNewDocument, FilenameHash: fnHash, Path: path}
	}

	for name, item := range items {
		ch := ItemHash{FilenameHash: fnHash, ContentHash: hashItem(name, content)}
		next[name] = ch
		if old, ok := prev[name]; ok && old == ch {
			continue // unchanged, content hash collapses duplicates (spec.md §3)
		}
		fs.events <- Event[T]{Kind: EventNew, FilenameHash: fnHash, Path: path, Hash: ch, Item: item}
	}
	for name, oldHash := range prev {
		if _, ok := next[name]; !ok {
			fs.events <- Event[T]{Kind: EventRemoved, FilenameHash: fnHash, Path: path, Hash: oldHash}
		}
	}

	fs.mu.Lock()
	fs.docs[path] = next
	fs.mu.Unlock()
}

func (fs *FileSource[T]) remove(path string) {
	fnHash := hashString(path)
	fs.mu.Lock()
	prev := fs.docs[path]
	delete(fs.docs, path)
	fs.mu.Unlock()
	if prev == nil {
		return
	}
	for _, h := range prev {
		fs.events <- Event[T]{Kind: EventRemoved, FilenameHash: fnHash, Path: path, Hash: h}
	}
	fs.events <- Event[T]{Kind: EventRemoveDocument, FilenameHash: fnHash, Path: path}
}

func hashItem(name string, content []byte) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	for i := 0; i < len(content); i++ {
		h ^= uint64(content[i])
		h *= 1099511628211
	}
	return h
}
