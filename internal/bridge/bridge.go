package bridge

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"opsloop/internal/events"
)

// FileEvent is a classified filesystem observation ready to enter the event
// log.
type FileEvent struct {
	Kind string
	Path string
}

// Classify maps a filesystem creation to an event kind, or returns false for
// files the bridge ignores (hidden files, partial writes, unrelated dirs).
func Classify(inbox, outputs, path string) (FileEvent, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".partial") {
		return FileEvent{}, false
	}
	dir := filepath.Dir(path)
	switch {
	case inbox != "" && dir == filepath.Clean(inbox):
		if strings.HasSuffix(base, ".done") {
			return FileEvent{Kind: "file.task_completed", Path: path}, true
		}
		return FileEvent{Kind: "file.task_created", Path: path}, true
	case outputs != "" && dir == filepath.Clean(outputs):
		return FileEvent{Kind: "file.output_created", Path: path}, true
	}
	return FileEvent{}, false
}

// Watcher turns file creations in the inbox and outputs directories into
// events, which triggers can then react to. It is a one-way bridge: it only
// observes, it never writes files.
type Watcher struct {
	Inbox   string
	Outputs string
	Events  events.Writer
}

// Run watches until the context is cancelled. Both directories must already
// exist; missing ones are skipped with a warning rather than an error so a
// partially configured bridge still observes what it can.
func (w Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	watching := 0
	for _, dir := range []string{w.Inbox, w.Outputs} {
		if dir == "" {
			continue
		}
		if err := fw.Add(dir); err != nil {
			slog.Warn("bridge cannot watch directory", "dir", dir, "error", err)
			continue
		}
		watching++
	}
	if watching == 0 {
		slog.Info("bridge has nothing to watch, exiting")
		return nil
	}
	slog.Info("bridge watching", "inbox", w.Inbox, "outputs", w.Outputs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			fe, match := Classify(w.Inbox, w.Outputs, ev.Name)
			if !match {
				continue
			}
			if err := w.Events.AppendDirect(ctx, fe.Kind, "file_bridge", events.EventPayload{
				"path": fe.Path,
				"name": filepath.Base(fe.Path),
			}); err != nil {
				slog.Error("bridge event append failed", "path", fe.Path, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("bridge watch error", "error", err)
		}
	}
}
