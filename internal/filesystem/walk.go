package filesystem

import (
	"io/fs"
	"path/filepath"
)

// Entry is a single path found by Walk.
type Entry struct {
	// Path is the absolute path of the entry.
	Path string
	// Rel is Path relative to the walked directory, "." for the directory
	// itself.
	Rel  string
	Info fs.FileInfo
}

// Walk lists dir and everything below it depth-first in lexical order.
// Hidden files are included, .git directories are skipped and symlinks are
// not followed.
func Walk(dir string) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		entries = append(entries, Entry{Path: path, Rel: rel, Info: info})
		return nil
	})

	if err != nil {
		return nil, err
	}

	return entries, nil
}
