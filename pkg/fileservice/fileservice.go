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
)

// FileService is the minimal surface the spill layer needs.
type FileService interface {
	Name() string
	Delete(ctx context.Context, paths ...string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// ReaderWriterFileService adds streaming reads and writes; spill files are
// written once, sequentially, and read back whole partitions at a time.
type ReaderWriterFileService interface {
	FileService
	NewWriter(ctx context.Context, path string) (io.WriteCloser, error)
	NewReader(ctx context.Context, path string) (io.ReadCloser, error)
}
