package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// FileStore keeps one JSON document per transfer in a directory.
// Documents are replaced with a rename so a crash never leaves a torn file.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Save(_ context.Context, t *models.Transfer) error {
	if t.ID == "" || strings.ContainsAny(t.ID, `/\.`) {
		return fmt.Errorf("invalid transfer id %q", t.ID)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode transfer: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+t.ID+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
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
	return os.Rename(tmp.Name(), s.path(t.ID))
}

func (s *FileStore) Load(_ context.Context, id string) (*models.Transfer, error) {
	return s.read(s.path(id))
}

func (s *FileStore) read(path string) (*models.Transfer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	if err != nil {
		return nil, err
	}
	var t models.Transfer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &t, nil
}

func (s *FileStore) LoadAll(ctx context.Context) ([]*models.Transfer, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]*models.Transfer, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := s.read(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
