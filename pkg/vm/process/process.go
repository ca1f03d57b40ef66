// Copyright 2021 Matrix Origin
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

package process

import (
	"context"
	"sync"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/config"
	"github.com/osmiumdb/osmium/pkg/fileservice"
	"github.com/osmiumdb/osmium/pkg/vm/message"
)

// Process is the per-driver execution context: memory pool, message board,
// spill file service and arbitrator are shared across the drivers of one
// query; the context carries cancellation.
type Process struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	mp           *mpool.MPool
	messageBoard *message.MessageBoard
	spillFS      *spillFSHolder
	arbitrator   *Arbitrator
	cfg          *config.EngineConfig
}

// spillFSHolder shares one lazily created spill file service across every
// sibling driver of a query.
type spillFSHolder struct {
	mu sync.Mutex
	fs *fileservice.LocalFS
}

// New creates the root process of a query.
func New(ctx context.Context, mp *mpool.MPool, cfg *config.EngineConfig) *Process {
	if cfg == nil {
		cfg = config.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Process{
		Ctx:          ctx,
		Cancel:       cancel,
		mp:           mp,
		messageBoard: message.NewMessageBoard(),
		spillFS:      &spillFSHolder{},
		arbitrator:   NewArbitrator(),
		cfg:          cfg,
	}
}

// NewFromProc derives a sibling-driver process sharing every query-scoped
// resource.
func NewFromProc(proc *Process) *Process {
	return &Process{
		Ctx:          proc.Ctx,
		Cancel:       proc.Cancel,
		mp:           proc.mp,
		messageBoard: proc.messageBoard,
		spillFS:      proc.spillFS,
		arbitrator:   proc.arbitrator,
		cfg:          proc.cfg,
	}
}

func (proc *Process) Mp() *mpool.MPool {
	return proc.mp
}

func (proc *Process) GetMessageBoard() *message.MessageBoard {
	return proc.messageBoard
}

func (proc *Process) GetArbitrator() *Arbitrator {
	return proc.arbitrator
}

func (proc *Process) Config() *config.EngineConfig {
	return proc.cfg
}

// GetSpillFileService lazily creates the spill directory, shared by every
// sibling driver so they see each other's spill files.
func (proc *Process) GetSpillFileService() (*fileservice.LocalFS, error) {
	proc.spillFS.mu.Lock()
	defer proc.spillFS.mu.Unlock()
	if proc.spillFS.fs == nil {
		fs, err := fileservice.NewLocalFS("spill", proc.cfg.Spill.SpillDir)
		if err != nil {
			return nil, err
		}
		proc.spillFS.fs = fs
	}
	return proc.spillFS.fs, nil
}

// SetSpillFileService injects a file service, letting tests sandbox the
// spill directory.
func (proc *Process) SetSpillFileService(fs *fileservice.LocalFS) {
	proc.spillFS.mu.Lock()
	proc.spillFS.fs = fs
	proc.spillFS.mu.Unlock()
}

// TryReserve charges sz bytes against the pool, asking the arbitrator to
// reclaim when the pool is at cap. Denial after reclaim is OutOfMemory.
func (proc *Process) TryReserve(sz int64) error {
	err := proc.mp.Reserve(sz)
	if err == nil {
		return nil
	}
	if !moerr.IsMoErrCode(err, moerr.ErrOOM) {
		return err
	}
	if reclaimed := proc.arbitrator.ReclaimMemory(sz); reclaimed > 0 {
		if err = proc.mp.Reserve(sz); err == nil {
			return nil
		}
	}
	return err
}
