package safety

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the keyword file whenever it is written or recreated, until
// ctx is done. Reload failures keep the previous keywords.
func (c *Classifier) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.LoadFile(path); err != nil {
					c.logger.Warningf("could not reload keyword file: %s", err)
					continue
				}
				c.logger.Infof("reloaded keyword file %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warningf("keyword file watcher: %s", err)
			}
		}
	}()

	return nil
}
