// Package fsutil has small filesystem helpers for frame files.
package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// ListImages returns all decodable image files under root, sorted by path.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsImageFile checks if a file has a supported image extension. Hidden and
// partially written (.tmp) files are ignored.
func IsImageFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	_, isImage := imageExts[ext]
	return isImage
}

// Latest returns the most recently modified path, or "" for an empty list.
func Latest(paths []string) string {
	var (
		best    string
		bestMod int64
	)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod || (mod == bestMod && p > best) {
			best, bestMod = p, mod
		}
	}
	return best
}
