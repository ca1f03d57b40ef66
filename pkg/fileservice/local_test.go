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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
)

func TestLocalFSWriteRead(t *testing.T) {
	fs, err := NewLocalFS("test", t.TempDir())
	require.NoError(t, err)
	defer fs.Close()

	ctx := context.Background()
	path := fs.NewSpillPath("part")

	w, err := fs.NewWriter(ctx, path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello spill"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.NewReader(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello spill", string(data))
	require.NoError(t, r.Close())

	files, err := fs.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{path}, files)

	require.NoError(t, fs.Delete(ctx, path))
	files, err = fs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, files)

	_, err = fs.NewReader(ctx, path)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrFileNotFound))
}

func TestLocalFSUniquePaths(t *testing.T) {
	fs, err := NewLocalFS("test", t.TempDir())
	require.NoError(t, err)
	defer fs.Close()
	require.NotEqual(t, fs.NewSpillPath("p"), fs.NewSpillPath("p"))
}

func TestLocalFSDeleteIdempotent(t *testing.T) {
	fs, err := NewLocalFS("test", t.TempDir())
	require.NoError(t, err)
	defer fs.Close()
	require.NoError(t, fs.Delete(context.Background(), "never-existed"))
}
