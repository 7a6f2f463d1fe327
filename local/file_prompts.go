package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FilePrompts serves prompts from a YAML file. After Watch it reloads the
// file whenever it changes on disk and signals subscribers. A reload that
// fails to parse keeps the previous prompt set.
type FilePrompts struct {
	*StaticPrompts

	path string
	log  *slog.Logger

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

// LoadPromptFile reads and parses the prompt file at path.
func LoadPromptFile(path string, log *slog.Logger) (*FilePrompts, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve prompt file: %w", err)
	}
	fp := &FilePrompts{StaticPrompts: NewStaticPrompts(), path: abs, log: log}
	if err := fp.reload(); err != nil {
		return nil, err
	}
	return fp, nil
}

// Path is the absolute path of the prompt file.
func (fp *FilePrompts) Path() string { return fp.path }

func (fp *FilePrompts) reload() error {
	data, err := os.ReadFile(fp.path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	defs, err := ParsePrompts(data)
	if err != nil {
		return fmt.Errorf("%s: %w", fp.path, err)
	}
	fp.Replace(defs...)
	return nil
}

// Watch starts reloading the file on change. The parent directory is
// watched so that editors replacing the file by rename are seen. Watching
// stops when ctx is done or Close is called.
func (fp *FilePrompts) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch prompt file: %w", err)
	}
	if err := w.Add(filepath.Dir(fp.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch prompt file: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	fp.stop = cancel
	fp.done = make(chan struct{})
	go fp.run(ctx, w)
	return nil
}

func (fp *FilePrompts) run(ctx context.Context, w *fsnotify.Watcher) {
	defer close(fp.done)
	defer func() { _ = w.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fp.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := fp.reload(); err != nil {
				fp.log.Warn("prompts.reload.fail", slog.String("path", fp.path), slog.String("err", err.Error()))
				continue
			}
			fp.log.Info("prompts.reload.ok", slog.String("path", fp.path))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fp.log.Warn("prompts.watch.err", slog.String("err", err.Error()))
		}
	}
}

// Close stops watching and ends every subscription.
func (fp *FilePrompts) Close() error {
	fp.stopOnce.Do(func() {
		if fp.stop != nil {
			fp.stop()
			<-fp.done
		}
		fp.StaticPrompts.Close()
	})
	return nil
}
