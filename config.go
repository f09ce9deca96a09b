// Package fernkv
//
// (C) Copyright FernKV
//
// Original Author: Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package fernkv

import (
	"fmt"
	"os"
	"time"

	"github.com/fernkv-io/fernkv/sstable"
	"gopkg.in/yaml.v3"
)

// Global system variables
var (
	LeafFileName           = "leaves.fern"            // Name of page file backing the tree leaves
	CatalogFileName        = "catalog.fern"           // Name of the table catalog file
	LogFileName            = "fernkv"                 // Base name of the log file, combined with LogExtension
	LogExtension           = ".log"                   // Extension of the log file
	TablePrefix            = "sst_"                   // Prefix of immutable table files
	TableExtension         = ".sst"                   // Extension of immutable table files
	DefaultPageSize        = 262144                   // Default size of a leaf page in bytes
	DefaultLeafSlotCount   = 32                       // Default number of entry slots per leaf
	DefaultBlockSize       = 4096                     // Default size of a table block in bytes
	DefaultFlushThreshold  = uint64(8)                // Default root splits before a flush is scheduled
	DefaultBloomFpr        = 0.01                     // Default bloom filter false positive rate
	DefaultFSyncInterval   = time.Millisecond * 256   // Default background fsync interval
	DefaultInnerFanout     = 64                       // Default max children per volatile inner node
	DefaultMaxLeafRetries  = 8                        // Default optimistic read retries per leaf
	DefaultMaxRootRestarts = 32                       // Default traversal restarts from the root
	DefaultPermission      = os.FileMode(0750)        // Default file and directory permission
	FlushRetryInterval     = time.Millisecond * 512   // Pause before retrying a failed flush
)

// Config represents the configuration for the store instance
type Config struct {
	Permission             os.FileMode       `yaml:"permission"`               // Directory and data file permissions on disk
	Directory              string            `yaml:"directory"`                // Directory to store the fernkv files
	FlushThreshold         uint64            `yaml:"flush_threshold"`          // Root splits of the active tree before it is flushed to an immutable table
	PageSize               int               `yaml:"page_size"`                // Size of a leaf page in bytes
	LeafSlotCount          int               `yaml:"leaf_slot_count"`          // Entry slots per leaf page
	BlockSize              int               `yaml:"block_size"`               // Target table block size in bytes
	BloomFilterProbability float64           `yaml:"bloom_filter_probability"` // False positive rate for table bloom filters
	Logging                bool              `yaml:"logging"`                  // Enable log file
	Compression            bool              `yaml:"compression"`              // Enable compression for table blocks
	CompressionOption      CompressionOption `yaml:"compression_option"`       // Compression option (NoCompression, SnappyCompression, S2Compression)
	Optional               *OptionalConfig   `yaml:"optional,omitempty"`       // Optional advanced configurations
}

// OptionalConfig represents optional advanced configurations
type OptionalConfig struct {
	BackgroundFSync         bool          `yaml:"background_fsync"`          // Whether leaf page writes rely on a background fsync instead of syncing inline
	BackgroundFSyncInterval time.Duration `yaml:"background_fsync_interval"` // Background fsync interval
	InnerFanout             int           `yaml:"inner_fanout"`              // Max children per volatile inner node
	MaxLeafRetries          int           `yaml:"max_leaf_retries"`          // Optimistic read retries per leaf before restarting from the root
	MaxRootRestarts         int           `yaml:"max_root_restarts"`         // Traversal restarts before a read gives up
}

// CompressionOption represents the compression option for table blocks
type CompressionOption int

// Compression options
const (
	NoCompression CompressionOption = iota
	SnappyCompression
	S2Compression
)

// LoadConfig loads a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// SaveConfig writes a Config to a YAML file.
func SaveConfig(path string, config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	perm := config.Permission
	if perm == 0 {
		perm = DefaultPermission
	}

	if err := os.WriteFile(path, data, perm.Perm()); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// tableCompression translates the configured compression option into the
// table writer's scheme.
func (config *Config) tableCompression() sstable.Compression {
	if !config.Compression {
		return sstable.NoCompression
	}

	switch config.CompressionOption {
	case SnappyCompression:
		return sstable.SnappyCompression
	case S2Compression:
		return sstable.S2Compression
	}

	return sstable.NoCompression
}
