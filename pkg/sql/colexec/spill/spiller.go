// Copyright 2025 Matrix Origin
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

package spill

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/config"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/fileservice"
	"github.com/osmiumdb/osmium/pkg/logutil"
	"github.com/osmiumdb/osmium/pkg/util/metric"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

// Partition is the unit of spill: all rows whose key hash selects its id at
// this spiller's level.
type Partition struct {
	ID    int32
	Level int32
	Rows  int64
	Bytes int64
	Files []string

	writer  io.WriteCloser
	lzw     *lz4.Writer
	bufw    *bufio.Writer
	curFile string
	curSize int64
}

// Spiller partitions rows by a window of their key hash and serializes each
// partition to its own chain of files. One spiller serves one operator at
// one recursion level; processing a level-n partition creates a level-n+1
// spiller whose hash window sits strictly above.
type Spiller struct {
	fs     *fileservice.LocalFS
	cfg    config.SpillConfig
	prefix string

	level    int32
	startBit int
	nParts   int32

	// query-global spilled-byte budget, injected so tests can sandbox it
	totalSpillBytes *atomic.Int64

	stats *process.OperatorStats
	parts map[int32]*Partition

	hashes [hashmap.UnitLimit]uint64
}

// New validates the hash window and creates a spiller for one level.
func New(fs *fileservice.LocalFS, cfg config.SpillConfig, level int, prefix string, totalSpillBytes *atomic.Int64, stats *process.OperatorStats) (*Spiller, error) {
	if cfg.SpillNumPartitionBits <= 0 {
		return nil, moerr.NewSpillLevelConflict("partition bits must be positive")
	}
	startBit := cfg.SpillStartPartitionBit + level*cfg.SpillNumPartitionBits
	if startBit+cfg.SpillNumPartitionBits > 64 {
		return nil, moerr.NewSpillLevelConflict(
			"hash bits exhausted: start bit " + strconv.Itoa(startBit))
	}
	return &Spiller{
		fs:              fs,
		cfg:             cfg,
		prefix:          prefix,
		level:           int32(level),
		startBit:        startBit,
		nParts:          1 << cfg.SpillNumPartitionBits,
		totalSpillBytes: totalSpillBytes,
		stats:           stats,
		parts:           make(map[int32]*Partition),
	}, nil
}

func (s *Spiller) Level() int32 {
	return s.level
}

func (s *Spiller) NumPartitions() int32 {
	return s.nParts
}

// ExceedsMaxLevel reports whether one more recursion step would pass the
// configured limit; the caller then processes the partition in place.
func (s *Spiller) ExceedsMaxLevel() bool {
	return s.cfg.MaxSpillLevel >= 0 && int(s.level)+1 > s.cfg.MaxSpillLevel
}

// PartitionOf maps a key hash to this level's partition id.
func (s *Spiller) PartitionOf(hash uint64) int32 {
	return int32((hash >> uint(s.startBit)) & uint64(s.nParts-1))
}

// PartitionSels splits rows [0, bat.RowCount) of bat into per-partition
// selection lists using the key columns.
func (s *Spiller) PartitionSels(bat *batch.Batch, keys []int32) ([][]int64, error) {
	sels := make([][]int64, s.nParts)
	keyVecs := make([]*vector.Vector, len(keys))
	for i, k := range keys {
		keyVecs[i] = bat.Vecs[k]
	}
	count := bat.RowCount()
	for start := 0; start < count; start += hashmap.UnitLimit {
		n := count - start
		if n > hashmap.UnitLimit {
			n = hashmap.UnitLimit
		}
		if err := hashmap.BuildHashes(keyVecs, start, n, s.hashes[:n]); err != nil {
			return nil, err
		}
		for k := 0; k < n; k++ {
			p := s.PartitionOf(s.hashes[k])
			sels[p] = append(sels[p], int64(start+k))
		}
	}
	return sels, nil
}

func (s *Spiller) partition(id int32) *Partition {
	p, ok := s.parts[id]
	if !ok {
		p = &Partition{ID: id, Level: s.level}
		s.parts[id] = p
		s.stats.SpilledPartitions++
		metric.SpilledPartitionsCounter.Inc()
	}
	return p
}

// SpillBatch appends one serialized batch to partition id, rolling to a new
// file past MaxSpillFileSize. The global byte budget is checked before the
// write: once the total has reached it, this spill and every later one fail.
func (s *Spiller) SpillBatch(id int32, bat *batch.Batch) error {
	if !s.cfg.JoinSpillEnabled {
		return moerr.NewInternalError("spill is disabled")
	}
	if max := s.cfg.MaxSpillBytes; max > 0 && s.totalSpillBytes.Load() >= max {
		return moerr.NewSpillLimitExceeded(max, s.totalSpillBytes.Load())
	}

	p := s.partition(id)
	if p.writer == nil || p.curSize >= s.cfg.MaxSpillFileSize {
		if err := s.rollFile(p); err != nil {
			return err
		}
	}

	data, err := bat.MarshalBinary()
	if err != nil {
		return err
	}
	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := p.bufw.Write(frame[:]); err != nil {
		return moerr.NewInternalErrorf("spill write: %v", err)
	}
	if _, err := p.bufw.Write(data); err != nil {
		return moerr.NewInternalErrorf("spill write: %v", err)
	}

	written := int64(len(data)) + 4
	p.curSize += written
	p.Bytes += written
	p.Rows += int64(bat.RowCount())
	s.totalSpillBytes.Add(written)

	s.stats.SpilledBytes += written
	s.stats.SpilledRows += int64(bat.RowCount())
	metric.SpilledBytesCounter.Add(float64(written))
	metric.SpilledRowsCounter.Add(float64(bat.RowCount()))
	return nil
}

func (s *Spiller) rollFile(p *Partition) error {
	if err := s.closeWriter(p); err != nil {
		return err
	}
	path := s.fs.NewSpillPath(s.prefix)
	w, err := s.fs.NewWriter(context.Background(), path)
	if err != nil {
		return err
	}
	p.writer = w
	p.lzw = lz4.NewWriter(w)
	p.bufw = bufio.NewWriterSize(p.lzw, s.cfg.SpillWriteBufferSize)
	p.curFile = path
	p.curSize = 0
	p.Files = append(p.Files, path)
	s.stats.SpilledFiles++
	metric.SpilledFilesCounter.Inc()
	return nil
}

func (s *Spiller) closeWriter(p *Partition) error {
	if p.writer == nil {
		return nil
	}
	if err := p.bufw.Flush(); err != nil {
		return moerr.NewInternalErrorf("spill flush: %v", err)
	}
	if err := p.lzw.Close(); err != nil {
		return moerr.NewInternalErrorf("spill close: %v", err)
	}
	if err := p.writer.Close(); err != nil {
		return moerr.NewInternalErrorf("spill close: %v", err)
	}
	p.writer = nil
	p.lzw = nil
	p.bufw = nil
	return nil
}

// FinishSpill flushes and closes every open partition writer. Call before
// publishing the partitions or reading any of them back.
func (s *Spiller) FinishSpill() error {
	for _, p := range s.parts {
		if err := s.closeWriter(p); err != nil {
			return err
		}
	}
	return nil
}

// Partitions returns the partitions spilled so far, nil for none.
func (s *Spiller) Partitions() []*Partition {
	if len(s.parts) == 0 {
		return nil
	}
	res := make([]*Partition, 0, len(s.parts))
	for i := int32(0); i < s.nParts; i++ {
		if p, ok := s.parts[i]; ok {
			res = append(res, p)
		}
	}
	return res
}

// Published converts the spilled partitions to their bridge form.
func (s *Spiller) Published() []message.SpilledPartition {
	parts := s.Partitions()
	if parts == nil {
		return nil
	}
	res := make([]message.SpilledPartition, 0, len(parts))
	for _, p := range parts {
		res = append(res, message.SpilledPartition{
			PartitionID: p.ID,
			Level:       p.Level,
			Rows:        p.Rows,
			Files:       append([]string(nil), p.Files...),
		})
	}
	return res
}

// Delete removes every file of this spiller from disk.
func (s *Spiller) Delete() {
	for _, p := range s.parts {
		_ = s.closeWriter(p)
		_ = s.fs.Delete(context.Background(), p.Files...)
	}
	s.parts = make(map[int32]*Partition)
}

// DeleteFiles removes an already published partition's files.
func DeleteFiles(fs *fileservice.LocalFS, parts []message.SpilledPartition) {
	for _, p := range parts {
		_ = fs.Delete(context.Background(), p.Files...)
	}
}

// PartitionReader replays one partition's batches in disk order.
type PartitionReader struct {
	fs    *fileservice.LocalFS
	files []string
	mp    *mpool.MPool

	fileIdx int
	rc      io.ReadCloser
	lzr     *lz4.Reader
}

// NewPartitionReader reads the files of one spilled partition.
func NewPartitionReader(fs *fileservice.LocalFS, files []string, mp *mpool.MPool) *PartitionReader {
	return &PartitionReader{fs: fs, files: files, mp: mp}
}

// Next returns the next batch, or nil at end of partition. Batches come
// back in disk order, which is the only order the spill path guarantees.
func (r *PartitionReader) Next() (*batch.Batch, error) {
	for {
		if r.rc == nil {
			if r.fileIdx >= len(r.files) {
				return nil, nil
			}
			rc, err := r.fs.NewReader(context.Background(), r.files[r.fileIdx])
			if err != nil {
				return nil, err
			}
			r.rc = rc
			r.lzr = lz4.NewReader(rc)
			r.fileIdx++
		}
		var frame [4]byte
		if _, err := io.ReadFull(r.lzr, frame[:]); err != nil {
			if err == io.EOF {
				_ = r.rc.Close()
				r.rc = nil
				continue
			}
			return nil, moerr.NewInternalErrorf("spill read: %v", err)
		}
		size := binary.LittleEndian.Uint32(frame[:])
		data := make([]byte, size)
		if _, err := io.ReadFull(r.lzr, data); err != nil {
			return nil, moerr.NewInternalErrorf("spill read: %v", err)
		}
		bat := &batch.Batch{}
		if err := bat.UnmarshalBinary(data, r.mp); err != nil {
			return nil, err
		}
		return bat, nil
	}
}

func (r *PartitionReader) Close() {
	if r.rc != nil {
		_ = r.rc.Close()
		r.rc = nil
	}
}

// LogSpill records one spill decision for operability. A variable so tests
// can stub it out.
var LogSpill = func(op string, level int32, id int32, rows int64, bytes int64) {
	logutil.Info("operator spilled partition",
		zap.String("operator", op),
		zap.Int32("level", level),
		zap.Int32("partition", id),
		zap.Int64("rows", rows),
		zap.Int64("bytes", bytes))
}
