package source

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"posecapture/internal/fsutil"
	"posecapture/internal/vision"
)

// Directory serves the newest image file written into a directory. An
// external camera process drops frames there; each create or write event
// replaces the current frame.
type Directory struct {
	dir    string
	box    *Mailbox
	log    *slog.Logger
	decode func(path string) (image.Image, error)
}

// NewDirectory returns a source watching dir.
func NewDirectory(dir string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{dir: dir, box: NewMailbox(), log: logger, decode: DecodeFile}
}

// Current implements capture.FrameSource.
func (d *Directory) Current() (*vision.Frame, bool) { return d.box.Current() }

// Stats reports received and dropped frame counts.
func (d *Directory) Stats() (received, dropped uint64) { return d.box.Stats() }

// Load reads the newest existing image, if any.
func (d *Directory) Load() error {
	files, err := fsutil.ListImages(d.dir)
	if err != nil {
		return err
	}
	if latest := fsutil.Latest(files); latest != "" {
		return d.load(latest)
	}
	return nil
}

func (d *Directory) load(path string) error {
	img, err := d.decode(path)
	if err != nil {
		return err
	}
	d.box.Put(img, filepath.Base(path))
	return nil
}

// Run loads the newest existing frame and then follows the directory until
// ctx is cancelled.
func (d *Directory) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	d.log.Info("watching frame directory", "dir", d.dir)
	if err := d.Load(); err != nil {
		d.log.Warn("initial frame load failed", "dir", d.dir, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !fsutil.IsImageFile(event.Name) {
				continue
			}
			if err := d.load(event.Name); err != nil {
				// Writers often emit Create before the data lands; the
				// following Write event retries.
				d.log.Debug("frame not decodable yet", "path", event.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("frame watcher error", "dir", d.dir, "error", err)
		}
	}
}
