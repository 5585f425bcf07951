package filesystem

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// Changes watches the tree and emits the ID of every file that is written,
// created, removed or renamed. fsnotify does not recurse, so every directory
// is added on start and new directories are added as they appear.
func (c *Connector) Changes(ctx context.Context) (<-chan connector.DocumentRef, error) {
	if !c.watch {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := c.addTree(w, c.root); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan connector.DocumentRef, 64)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if c.hidden(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						if err := c.addTree(w, ev.Name); err != nil {
							c.log.Warnw("Failed to watch new directory", "path", ev.Name, "error", err)
						}
						continue
					}
				}
				if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
					continue
				}
				select {
				case out <- connector.DocumentRef{ID: c.docID(ev.Name)}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warnw("Filesystem watcher error", "root", c.root, "error", err)
			}
		}
	}()
	return out, nil
}

func (c *Connector) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != c.root && c.hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return errors.Wrapf(err, "failed to watch %s", p)
		}
		return nil
	})
}
