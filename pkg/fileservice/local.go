// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fileservice

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
)

// LocalFS keeps spill files in one directory on local disk. Files are
// single-writer, multi-reader; deletion is idempotent.
type LocalFS struct {
	name string
	dir  string

	mu    sync.Mutex
	files map[string]struct{}
}

func NewLocalFS(name, dir string) (*LocalFS, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "osmium-spill-"+uuid.NewString())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, moerr.NewInternalErrorf("create spill dir %s: %v", dir, err)
	}
	return &LocalFS{name: name, dir: dir, files: make(map[string]struct{})}, nil
}

func (fs *LocalFS) Name() string {
	return fs.name
}

func (fs *LocalFS) Dir() string {
	return fs.dir
}

// NewSpillPath returns a fresh unique file path for a spill writer.
func (fs *LocalFS) NewSpillPath(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (fs *LocalFS) NewWriter(_ context.Context, path string) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(fs.dir, path))
	if err != nil {
		return nil, moerr.NewInternalErrorf("create spill file %s: %v", path, err)
	}
	fs.mu.Lock()
	fs.files[path] = struct{}{}
	fs.mu.Unlock()
	return f, nil
}

func (fs *LocalFS) NewReader(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(fs.dir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, moerr.NewFileNotFound(path)
		}
		return nil, moerr.NewInternalErrorf("open spill file %s: %v", path, err)
	}
	return f, nil
}

func (fs *LocalFS) Delete(_ context.Context, paths ...string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, path := range paths {
		_ = os.Remove(filepath.Join(fs.dir, path))
		delete(fs.files, path)
	}
	return nil
}

func (fs *LocalFS) List(_ context.Context) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	paths := make([]string, 0, len(fs.files))
	for path := range fs.files {
		paths = append(paths, path)
	}
	return paths, nil
}

func (fs *LocalFS) Close() error {
	return os.RemoveAll(fs.dir)
}
