// Package config loads the TOML configuration for the ring demo,
// adapted from the teacher's own config.Load (github.com/pelletier/go-toml/v2
// unmarshalled into plain structs, same Load(path) shape), generalized
// from a map of exchange configs to a single buffer plus its producers.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level ring demo configuration file.
type Config struct {
	Buffer    BufferConfig     `toml:"buffer"`
	Producers []ProducerConfig `toml:"producer"`
}

// BufferConfig mirrors ring.Attr closely enough to build one from TOML.
type BufferConfig struct {
	Size    uint32 `toml:"size"`
	PShared bool   `toml:"pshared"`
	Stats   bool   `toml:"stats"`
	Shmid   string `toml:"shmid"`
	Shmmode uint32 `toml:"shmmode"`
}

// ProducerConfig describes one synthetic producer goroutine in the demo.
type ProducerConfig struct {
	Name         string `toml:"name"`
	PacketSize   uint32 `toml:"packet_size"`
	IntervalMS   int    `toml:"interval_ms"`
	PacketCount  int    `toml:"packet_count"`
	AcceptFakeDMA bool  `toml:"accept_fake_dma"`
}

// Load reads and parses a TOML config file from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 1 << 16
	}
	return &c, nil
}
