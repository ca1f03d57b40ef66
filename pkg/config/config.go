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

package config

import (
	"github.com/BurntSushi/toml"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/logutil"
)

// SpillConfig carries every spill tunable. Zero values get defaults from
// SetDefaults; MaxSpillLevel -1 means unlimited recursion, MaxSpillBytes 0
// means no global cap.
type SpillConfig struct {
	JoinSpillEnabled      bool   `toml:"join-spill-enabled"`
	MaxSpillLevel         int    `toml:"max-spill-level"`
	SpillStartPartitionBit int   `toml:"spill-start-partition-bit"`
	SpillNumPartitionBits int    `toml:"spill-num-partition-bits"`
	MaxSpillFileSize      int64  `toml:"max-spill-file-size"`
	MaxSpillBytes         int64  `toml:"max-spill-bytes"`
	SpillWriteBufferSize  int    `toml:"spill-write-buffer-size"`
	SpillDir              string `toml:"spill-dir"`
}

// JoinConfig carries the probe and build tunables.
type JoinConfig struct {
	PreferredOutputBatchRows         int   `toml:"preferred-output-batch-rows"`
	PreferredOutputBatchBytes        int64 `toml:"preferred-output-batch-bytes"`
	MinTableRowsForParallelJoinBuild int   `toml:"min-table-rows-for-parallel-join-build"`
	HashProbeFinishEarlyOnEmptyBuild bool  `toml:"hash-probe-finish-early-on-empty-build"`
	MaxSplitPreloadPerDriver         int   `toml:"max-split-preload-per-driver"`
}

// EngineConfig is the root of the TOML file.
type EngineConfig struct {
	Log   logutil.LogConfig `toml:"log"`
	Spill SpillConfig       `toml:"spill"`
	Join  JoinConfig        `toml:"join"`
}

func (c *EngineConfig) SetDefaults() {
	if c.Spill.MaxSpillLevel == 0 {
		c.Spill.MaxSpillLevel = 4
	}
	if c.Spill.SpillNumPartitionBits == 0 {
		c.Spill.SpillNumPartitionBits = 3
	}
	if c.Spill.MaxSpillFileSize == 0 {
		c.Spill.MaxSpillFileSize = 256 << 20
	}
	if c.Spill.SpillWriteBufferSize == 0 {
		c.Spill.SpillWriteBufferSize = 1 << 20
	}
	if c.Join.PreferredOutputBatchRows == 0 {
		c.Join.PreferredOutputBatchRows = 8192
	}
	if c.Join.PreferredOutputBatchBytes == 0 {
		c.Join.PreferredOutputBatchBytes = 16 << 20
	}
	if c.Join.MinTableRowsForParallelJoinBuild == 0 {
		c.Join.MinTableRowsForParallelJoinBuild = 1 << 17
	}
	if c.Join.MaxSplitPreloadPerDriver == 0 {
		c.Join.MaxSplitPreloadPerDriver = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Default returns a config with every default applied and spilling on.
func Default() *EngineConfig {
	c := &EngineConfig{}
	c.Spill.JoinSpillEnabled = true
	c.Join.HashProbeFinishEarlyOnEmptyBuild = true
	c.SetDefaults()
	return c
}

// Load parses a TOML file and applies defaults.
func Load(path string) (*EngineConfig, error) {
	c := &EngineConfig{}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, moerr.NewInvalidInputf("parse config %s: %v", path, err)
	}
	c.SetDefaults()
	return c, nil
}
