package exho

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const historyFileExt = ".json"

// historyKeyPattern restricts keys to safe file names. Discord IDs are
// numeric snowflakes.
var historyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// fileStore keeps one JSON file per key in dir.
type fileStore struct {
	dir string
}

func newFileStore(dir string) *fileStore {
	return &fileStore{dir: dir}
}

func (f *fileStore) path(key string) (string, error) {
	if !historyKeyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid history key: %q", key)
	}
	return filepath.Join(f.dir, key+historyFileExt), nil
}

func (f *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put writes to a temp file in the same directory, then renames it over
// the existing file, so readers see either the old or the new content.
func (f *fileStore) Put(_ context.Context, key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	err = os.Rename(tmpName, p)
	return err
}

func (f *fileStore) Count(_ context.Context) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasSuffix(name, historyFileExt) && !strings.HasPrefix(name, ".") {
			n++
		}
	}
	return n, nil
}
