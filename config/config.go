package config

import (
	"bytes"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/gas"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type Storage struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// Config holds every tunable of a VM instance. Zero values in a loaded file
// fall back to Default.
type Config struct {
	MaxCallDepth  int           `toml:"max_call_depth"`
	MaxTypeDepth  int           `toml:"max_type_depth"`
	MaxValueDepth int           `toml:"max_value_depth"`
	KindCacheSize int           `toml:"kind_cache_size"`
	Trace         bool          `toml:"trace"`
	Gas           *gas.Schedule `toml:"gas"`
	Storage       Storage       `toml:"storage"`
}

func Default() *Config {
	return &Config{
		MaxCallDepth:  1024,
		MaxTypeDepth:  128,
		MaxValueDepth: 128,
		KindCacheSize: 4096,
		Gas:           gas.DefaultSchedule(),
		Storage:       Storage{Driver: DriverMemory},
	}
}

// Parse reads a TOML document over the defaults. Gas entries in the document
// are merged into the default schedule rather than replacing it.
func Parse(data []byte) (*Config, error) {
	var raw Config
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	cfg := Default()
	if raw.MaxCallDepth != 0 {
		cfg.MaxCallDepth = raw.MaxCallDepth
	}
	if raw.MaxTypeDepth != 0 {
		cfg.MaxTypeDepth = raw.MaxTypeDepth
	}
	if raw.MaxValueDepth != 0 {
		cfg.MaxValueDepth = raw.MaxValueDepth
	}
	if raw.KindCacheSize != 0 {
		cfg.KindCacheSize = raw.KindCacheSize
	}
	cfg.Trace = raw.Trace
	if raw.Gas != nil {
		cfg.Gas.Merge(raw.Gas)
	}
	if raw.Storage.Driver != "" {
		cfg.Storage = raw.Storage
	}
	return cfg, cfg.Validate()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

func (c *Config) Validate() error {
	if c.MaxCallDepth <= 0 {
		return errors.Errorf("max_call_depth must be positive, got %d", c.MaxCallDepth)
	}
	if c.MaxTypeDepth <= 0 {
		return errors.Errorf("max_type_depth must be positive, got %d", c.MaxTypeDepth)
	}
	if c.MaxValueDepth <= 0 {
		return errors.Errorf("max_value_depth must be positive, got %d", c.MaxValueDepth)
	}
	if c.KindCacheSize <= 0 {
		return errors.Errorf("kind_cache_size must be positive, got %d", c.KindCacheSize)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			return errors.New("sqlite storage requires a path")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Encodes a gas schedule as TOML, the form it takes when stored on chain in
// the core config cell.
func EncodeSchedule(s *gas.Schedule) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return nil, errors.Wrap(err, "encoding gas schedule")
	}
	return buf.Bytes(), nil
}

func DecodeSchedule(data []byte) (*gas.Schedule, error) {
	s := &gas.Schedule{}
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "decoding gas schedule")
	}
	return s, nil
}
