package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

func FileNameWithoutExtension(fileName string) string {
	return fileName[:len(fileName)-len(filepath.Ext(fileName))]
}

// SyncDir fsyncs a directory so that creates, renames and removes inside it
// survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	if err := d.Sync(); err != nil {
		d.Close()
		return errors.Wrapf(err, "sync dir %s", dir)
	}

	return d.Close()
}

// WriteFileAtomic replaces path with data through a synced temporary file and
// a rename, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	return SyncDir(filepath.Dir(path))
}
