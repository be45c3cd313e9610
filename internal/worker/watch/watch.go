// Package watch implements the worker's directory-watch RPC verb on top of
// fsnotify, forwarding filesystem events to the browser as "watch" events
// on the peer's event stream.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry tracks one fsnotify.Watcher per watched path, keyed by the
// path's string form, mirroring the original worker's
// Mutex<HashMap<String, Watcher>>.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]*fsnotify.Watcher
}

// NewRegistry builds an empty watch registry.
func NewRegistry() *Registry {
	return &Registry{watchers: make(map[string]*fsnotify.Watcher)}
}

// args is the watch op's payload: a path to (un)watch.
type args struct {
	Path  []string `json:"path"`
	Close bool     `json:"close,omitempty"`
}

// event is the shape pushed to the browser for each filesystem change.
type event struct {
	Watch struct {
		Path string `json:"path"`
		Op   string `json:"op"`
	} `json:"watch"`
}

// Dispatch opens or closes a watch on the given path. emit is called with
// marshaled "watch" events as they arrive, asynchronously, until Close or
// registry teardown.
func (r *Registry) Dispatch(ctx context.Context, raw json.RawMessage, emit func([]byte)) (interface{}, error) {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	path := filepath.Join(a.Path...)

	if a.Close {
		r.close(path)
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	r.mu.Lock()
	if old, ok := r.watchers[path]; ok {
		old.Close()
	}
	r.watchers[path] = w
	r.mu.Unlock()

	go pump(ctx, path, w, emit)
	return nil, nil
}

func pump(ctx context.Context, path string, w *fsnotify.Watcher, emit func([]byte)) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			var out event
			out.Watch.Path = path
			out.Watch.Op = opName(ev.Op)
			if data, err := json.Marshal(out); err == nil {
				emit(data)
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	default:
		return "unknown"
	}
}

func (r *Registry) close(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watchers[path]; ok {
		w.Close()
		delete(r.watchers, path)
	}
}

// CloseAll tears every active watch down, used on worker shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, w := range r.watchers {
		w.Close()
		delete(r.watchers, p)
	}
}
