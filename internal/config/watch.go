package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor save bursts into a single rebuild.
const reloadDebounce = 25 * time.Millisecond

const rulesChangeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// RulesWatcher rebuilds the tag rule bundle whenever the configured rules
// file or folder changes. Stop must be called to release the underlying
// fsnotify handle.
type RulesWatcher struct {
	fs       *fsnotify.Watcher
	inline   TagRuleDocument
	tags     TagsConfig
	onChange func(TagRuleBundle)
	onError  func(error)

	// target is set when watching a single file; folder mode leaves it empty.
	target string
	dirs   map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// WatchTagRules delivers the initial bundle synchronously and then reloads on
// relevant filesystem events until ctx ends or Stop is called. cfg should come
// from Loader.Load so the inline tagRules document is already captured.
func WatchTagRules(ctx context.Context, cfg Config, onChange func(TagRuleBundle), onError func(error)) (*RulesWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch rules requires a change callback")
	}
	if cfg.Server.Tags.RulesFile == "" && cfg.Server.Tags.RulesFolder == "" {
		return nil, errors.New("config: no rules source configured for watching")
	}

	bundle, err := BuildTagRuleBundle(ctx, cfg.InlineTagRules, cfg.Server.Tags)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch rules: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &RulesWatcher{
		fs:       fsw,
		inline:   cfg.InlineTagRules,
		tags:     cfg.Server.Tags,
		onChange: onChange,
		onError:  onError,
		dirs:     make(map[string]struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.watchRoots()
	onChange(bundle)

	go w.run(watchCtx)
	return w, nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *RulesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *RulesWatcher) report(err error) {
	if err != nil && w.onError != nil {
		w.onError(err)
	}
}

// watchRoots registers the directory holding the rules file, or every
// directory beneath the rules folder.
func (w *RulesWatcher) watchRoots() {
	if w.tags.RulesFile != "" {
		path, err := filepath.Abs(w.tags.RulesFile)
		if err != nil {
			w.report(fmt.Errorf("config: resolve rules file: %w", err))
			path = w.tags.RulesFile
		}
		w.target = filepath.Clean(path)
		w.addDir(filepath.Dir(w.target))
		return
	}

	root, err := filepath.Abs(w.tags.RulesFolder)
	if err != nil {
		w.report(fmt.Errorf("config: resolve rules folder: %w", err))
		root = w.tags.RulesFolder
	}
	w.addTree(root)
}

func (w *RulesWatcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	w.report(err)
}

func (w *RulesWatcher) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// relevant reports whether event should trigger a rebuild. New directories in
// folder mode are registered as a side effect.
func (w *RulesWatcher) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if w.target != "" {
		if name != w.target {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.report(fmt.Errorf("config: rules file %s removed", w.target))
		}
		return event.Op&rulesChangeOps != 0
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addTree(name)
			return true
		}
	}
	return isSupportedRulesFile(name) && event.Op&rulesChangeOps != 0
}

func (w *RulesWatcher) reload(ctx context.Context) {
	bundle, err := BuildTagRuleBundle(ctx, w.inline, w.tags)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.report(err)
		}
		return
	}
	w.onChange(bundle)
}

func (w *RulesWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.fs.Close(); err != nil {
			w.report(fmt.Errorf("config: watch rules close: %w", err))
		}
	}()

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-debounce.C:
			w.reload(ctx)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}
