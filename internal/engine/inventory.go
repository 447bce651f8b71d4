package engine

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// LocalInventory counts the regular files under root and sums their sizes.
// Symlinks and special files are ignored and links are never followed.
// A missing or non-directory root, or an unreadable subtree, contributes
// zero rather than an error: the numbers are advisory.
//
// exclude holds doublestar patterns matched against slash-separated paths
// relative to root (e.g. "**/*.partial").
func LocalInventory(root string, exclude []string) (count, totalBytes uint64) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return 0, 0
	}
	// the root itself may be a link to the destination directory
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable directory: skip it, keep walking the rest
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(exclude) > 0 && excluded(root, path, exclude) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		count++
		totalBytes += uint64(fi.Size())
		return nil
	})
	return count, totalBytes
}

func excluded(root, path string, patterns []string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
