// Package actor manages the identity a device advertises. Role arbitration
// compares these ids, so a device must keep the same one across restarts.
package actor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ID is the advertised device id.
type ID = uuid.UUID

func New() ID { return uuid.New() }

// LoadOrCreate returns the id stored at path, creating and storing a new one
// when the file does not exist yet.
func LoadOrCreate(path string) (ID, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.Parse(strings.TrimSpace(string(b)))
		if perr != nil {
			return uuid.Nil, fmt.Errorf("actor: parse %s: %w", path, perr)
		}
		return id, nil
	case !errors.Is(err, fs.ErrNotExist):
		return uuid.Nil, fmt.Errorf("actor: read %s: %w", path, err)
	}

	id := New()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return uuid.Nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, fmt.Errorf("actor: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return uuid.Nil, fmt.Errorf("actor: store id: %w", err)
	}
	return id, nil
}
