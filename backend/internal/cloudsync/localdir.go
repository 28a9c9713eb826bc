package cloudsync

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// `LocalDirStore` implements `ObjectStore` on a local directory, for
// NAS-style remotes and for tests.  Keys map to file paths below the base
// directory.
type LocalDirStore struct {
	dir string
}

func NewLocalDirStore(dir string) (*LocalDirStore, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	return &LocalDirStore{dir: dir}, nil
}

func (s *LocalDirStore) abspath(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *LocalDirStore) Put(
	ctx context.Context, key string, r io.Reader,
) (string, error) {
	abspath := s.abspath(key)
	if err := os.MkdirAll(filepath.Dir(abspath), 0777); err != nil {
		return "", &TransferError{Op: "put", Key: key, Err: err}
	}

	tmp, err := ioutil.TempFile(filepath.Dir(abspath), ".part.tmp.")
	if err != nil {
		return "", &TransferError{Op: "put", Key: key, Err: err}
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return "", &TransferError{Op: "put", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &TransferError{Op: "put", Key: key, Err: err}
	}
	if err := os.Rename(tmp.Name(), abspath); err != nil {
		return "", &TransferError{Op: "put", Key: key, Err: err}
	}
	tmp = nil

	inf, err := os.Stat(abspath)
	if err != nil {
		return "", &TransferError{Op: "put", Key: key, Err: err}
	}
	return inf.ModTime().UTC().Format("20060102T150405.000000000Z"), nil
}

func (s *LocalDirStore) Get(
	ctx context.Context, key string,
) (io.ReadCloser, error) {
	fp, err := os.Open(s.abspath(key))
	if err != nil {
		return nil, &TransferError{
			Op: "get", Key: key,
			Terminal: os.IsNotExist(err),
			Err:      err,
		}
	}
	return fp, nil
}

func (s *LocalDirStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.abspath(key))
	if err != nil && !os.IsNotExist(err) {
		return &TransferError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *LocalDirStore) List(
	ctx context.Context, prefix string,
) ([]string, error) {
	keys := make([]string, 0)
	err := filepath.Walk(
		s.dir,
		func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() ||
				strings.HasPrefix(info.Name(), ".part.tmp.") {
				return nil
			}
			rel, err := filepath.Rel(s.dir, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return nil
		},
	)
	if err != nil {
		return nil, &TransferError{Op: "list", Key: prefix, Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}
