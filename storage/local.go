// koban/storage/local.go
package storage

import (
	"context"
	"os"
	"path/filepath"
)

// LocalStore implements ObjectStore on a local directory. Intended for
// development; keys map directly to file names.
type LocalStore struct {
	Dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &LocalStore{Dir: dir}, nil
}

func (ls *LocalStore) Save(_ context.Context, key string, data []byte, _ string) error {
	return os.WriteFile(filepath.Join(ls.Dir, filepath.Base(key)), data, 0644)
}

func (ls *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(ls.Dir, filepath.Base(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (ls *LocalStore) List(ctx context.Context, fn func(ObjectInfo) error) error {
	entries, err := os.ReadDir(ls.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := fn(ObjectInfo{
			Key:          entry.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		}); err != nil {
			return err
		}
	}
	return nil
}
