// Package watchfs is an in-process alternative to the external watcher: it
// keeps an index of the working tree current via fsnotify events and answers
// glob queries from that index without touching the disk.
package watchfs

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/ArmedGuy/buck/src/cli/logging"
	"github.com/ArmedGuy/buck/src/fs"
)

var log = logging.Log

// A Watcher watches a directory tree and serves glob queries from an
// in-memory file index.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher

	mutex sync.RWMutex
	// files maps root-relative file names to existence.
	files map[string]struct{}
}

// Watch starts watching the given root directory. The initial index is
// built synchronously; updates apply as events arrive.
func Watch(root string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		watcher: watcher,
		files:   map[string]struct{}{},
	}
	if err := fs.Walk(root, func(name string, isDir bool) error {
		if isDir {
			if strings.HasPrefix(filepath.Base(name), ".") && name != root {
				return filepath.SkipDir
			}
			return watcher.Add(name)
		}
		if rel, err := filepath.Rel(root, name); err == nil {
			w.files[filepath.ToSlash(rel)] = struct{}{}
		}
		return nil
	}); err != nil {
		watcher.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warning("File watcher error: %s", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	w.mutex.Lock()
	defer w.mutex.Unlock()
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if fs.FileExists(event.Name) {
			w.files[rel] = struct{}{}
		} else if fs.PathExists(event.Name) {
			// A new directory; watch it and index anything already inside.
			if err := w.watcher.Add(event.Name); err != nil {
				log.Warning("Failed to watch new directory %s: %s", event.Name, err)
			}
			w.indexLocked(event.Name)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.files, rel)
		prefix := rel + "/"
		for name := range w.files {
			if strings.HasPrefix(name, prefix) {
				delete(w.files, name)
			}
		}
	}
}

func (w *Watcher) indexLocked(dir string) {
	_ = fs.Walk(dir, func(name string, isDir bool) error {
		if isDir {
			return w.watcher.Add(name)
		}
		if rel, err := filepath.Rel(w.root, name); err == nil {
			w.files[filepath.ToSlash(rel)] = struct{}{}
		}
		return nil
	})
}

// Glob implements the fs.Backend interface by filtering the index.
func (w *Watcher) Glob(query fs.GlobQuery) ([]string, error) {
	base := query.BasePath
	if query.ProjectPrefix != "" {
		base = strings.TrimSuffix(query.ProjectPrefix+"/"+base, "/")
	}
	prefix := ""
	if base != "" && base != "." {
		prefix = base + "/"
	}
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	results := []string{}
	for name := range w.files {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(name, prefix)
		if !query.IncludeDotfiles && hasDotComponent(rel) {
			continue
		}
		if matchAny(query.Includes, rel) && !matchAny(query.Excludes, rel) {
			results = append(results, rel)
		}
	}
	sort.Strings(results)
	return results, nil
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func hasDotComponent(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
