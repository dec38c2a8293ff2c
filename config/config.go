// Package config loads runtime tuning parameters from, in increasing
// priority, compiled-in defaults, an optional ooc.toml file, then
// OOC_*-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pbnjay/memory"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sys/unix"
)

// Config holds every tunable the original exposed as compile-time macros
// or process environment variables.
type Config struct {
	// NumFibers bounds concurrently outstanding iterations (OOC_NUM_FIBERS).
	NumFibers int `toml:"num_fibers"`
	// PageSize is the unit of demand paging (OOC_PAGE_SIZE).
	PageSize int `toml:"page_size"`
	// BlockSize is the node allocator's slab size (BLOCK_SIZE).
	BlockSize int `toml:"block_size"`
	// UndesBinNum caps the process-wide stack of undesignated blocks
	// (UNDES_BIN_NUM).
	UndesBinNum int `toml:"undes_bin_num"`
	// AIOBackend selects "auto", "userfaultfd", or "file".
	AIOBackend string `toml:"aio_backend"`
	// MaxInflightReads caps concurrently outstanding page-in requests per
	// scheduler; zero defaults to NumFibers.
	MaxInflightReads int `toml:"max_inflight_reads"`
}

// Default returns the compiled-in defaults, sized off detected system RAM
// the way a long-running out-of-core process should be: a larger machine
// gets a larger block size, trading memory overhead for fewer block
// allocations under the node pool.
func Default() Config {
	cfg := Config{
		NumFibers:   10,
		PageSize:    unix.Getpagesize(),
		BlockSize:   1 << 18,
		UndesBinNum: 4,
		AIOBackend:  "auto",
	}

	if total := memory.TotalMemory(); total > 0 {
		switch {
		case total >= 64<<30:
			cfg.BlockSize = 1 << 21
			cfg.NumFibers = 32
		case total >= 16<<30:
			cfg.BlockSize = 1 << 20
			cfg.NumFibers = 16
		}
	}

	return cfg
}

// Load builds a Config from Default, overlaid with path (if it exists),
// overlaid with OOC_*-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults plus environment
		default:
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("OOC_NUM_FIBERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OOC_NUM_FIBERS: %w", err)
		}
		cfg.NumFibers = n
	}
	if v, ok := os.LookupEnv("OOC_PAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OOC_PAGE_SIZE: %w", err)
		}
		cfg.PageSize = n
	}
	if v, ok := os.LookupEnv("OOC_BLOCK_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OOC_BLOCK_SIZE: %w", err)
		}
		cfg.BlockSize = n
	}
	if v, ok := os.LookupEnv("OOC_UNDES_BIN_NUM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OOC_UNDES_BIN_NUM: %w", err)
		}
		cfg.UndesBinNum = n
	}
	if v, ok := os.LookupEnv("OOC_AIO_BACKEND"); ok {
		cfg.AIOBackend = v
	}
	if v, ok := os.LookupEnv("OOC_MAX_INFLIGHT_READS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OOC_MAX_INFLIGHT_READS: %w", err)
		}
		cfg.MaxInflightReads = n
	}
	return nil
}

// Validate reports the first configuration error found.
func (c Config) Validate() error {
	if c.NumFibers <= 0 {
		return fmt.Errorf("config: num_fibers must be > 0, got %d", c.NumFibers)
	}
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("config: page_size must be a positive power of two, got %d", c.PageSize)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be > 0, got %d", c.BlockSize)
	}
	if c.UndesBinNum < 0 {
		return fmt.Errorf("config: undes_bin_num must be >= 0, got %d", c.UndesBinNum)
	}
	switch c.AIOBackend {
	case "auto", "userfaultfd", "file":
	default:
		return fmt.Errorf("config: aio_backend must be one of auto|userfaultfd|file, got %q", c.AIOBackend)
	}
	return nil
}
