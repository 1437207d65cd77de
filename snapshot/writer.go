package snapshot

import (
	"encoding/gob"
	"os"
	"path/filepath"
)

const fileName = "snapshot.bin"

type Writer struct {
	Dir string
}

// Write replaces the current snapshot atomically: the image is encoded to a
// temp file, synced and renamed over the previous one.
func (w *Writer) Write(s *Snapshot) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(w.Dir, fileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(w.Dir, fileName))
}
