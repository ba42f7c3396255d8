// Package config loads protection and runtime profiles.
//
// A profile is a TOML file with four tables:
//
//	[protect]  pipeline stages and constant policy
//	[chunk]    dump format flags and the secure-mode key
//	[runtime]  machine limits and the anti-trace guard
//	[store]    chunk store backend
//
// Missing keys keep their DefaultConfig values. Unknown keys are an error
// so a misspelt option never silently falls back to a default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/cloak/pkg/chunk"
	"github.com/fortiblox/cloak/pkg/keys"
	"github.com/fortiblox/cloak/pkg/protect"
	"github.com/fortiblox/cloak/pkg/store"
	"github.com/fortiblox/cloak/pkg/vm"
)

// ErrConfigInvalid is wrapped by every validation failure.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config holds a complete profile.
type Config struct {
	Protect ProtectConfig `toml:"protect"`
	Chunk   ChunkConfig   `toml:"chunk"`
	Runtime RuntimeConfig `toml:"runtime"`
	Store   StoreConfig   `toml:"store"`
}

// ProtectConfig selects pipeline stages.
type ProtectConfig struct {
	Fuse     bool `toml:"fuse"`
	Junk     bool `toml:"junk"`
	JunkRate int  `toml:"junk-rate"`
	Relocate bool `toml:"relocate"`
	Permute  bool `toml:"permute"`
	Encrypt  bool `toml:"encrypt"`

	// EncryptConsts enables constant encryption for the kinds listed in
	// Consts ("int", "float", "string").
	EncryptConsts bool     `toml:"encrypt-consts"`
	Consts        []string `toml:"consts"`

	Strip bool `toml:"strip"`

	// Seed makes transforms reproducible. Zero draws seeds from the
	// process-wide random source.
	Seed uint64 `toml:"seed"`
}

// ChunkConfig controls the dump format.
type ChunkConfig struct {
	Secure    bool `toml:"secure"`
	Compress  bool `toml:"compress"`
	Timestamp bool `toml:"timestamp"`
	Strip     bool `toml:"strip"`

	// Key is mixed into the secure keystream. Supports ${VAR} expansion.
	Key string `toml:"key"`
}

// RuntimeConfig bounds script execution.
type RuntimeConfig struct {
	// Budget is the number of safe points a run may pass; 0 is unlimited.
	Budget   uint64   `toml:"budget"`
	MaxStack int      `toml:"max-stack"`
	MaxCalls int      `toml:"max-calls"`
	Timeout  Duration `toml:"timeout"`

	// AntiTrace refuses to run protected chunks under a tracer.
	AntiTrace bool `toml:"anti-trace"`
}

// StoreConfig selects the chunk store.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	NoSync  bool   `toml:"no-sync"`
}

// Duration is a time.Duration written as a string ("30s", "2m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the built-in profile.
func DefaultConfig() Config {
	return Config{
		Protect: ProtectConfig{
			Fuse:     true,
			Junk:     true,
			Relocate: true,
			Permute:  true,
			Encrypt:  true,
			Consts:   []string{"int", "string"},
		},
		Chunk: ChunkConfig{
			Timestamp: true,
		},
		Runtime: RuntimeConfig{
			MaxStack: vm.DefaultMaxStack,
			MaxCalls: vm.DefaultMaxCalls,
		},
		Store: StoreConfig{
			Backend: store.BackendBolt,
			Path:    defaultStorePath(),
		},
	}
}

func defaultStorePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "cloak", "chunks.db")
	}
	return "./cloak-chunks.db"
}

// Load reads a profile from path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a profile over the defaults.
func Parse(data string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		names := make([]string, len(undecoded))
		for i, k := range undecoded {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrConfigInvalid, strings.Join(names, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Protect.JunkRate < 0 || c.Protect.JunkRate > 100 {
		return fmt.Errorf("%w: protect.junk-rate %d outside 0..100", ErrConfigInvalid, c.Protect.JunkRate)
	}
	if _, err := c.constPolicy(); err != nil {
		return err
	}
	if c.Runtime.MaxStack < 0 || c.Runtime.MaxCalls < 0 {
		return fmt.Errorf("%w: runtime limits must not be negative", ErrConfigInvalid)
	}
	switch c.Store.Backend {
	case store.BackendBolt, store.BackendBadger, store.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrConfigInvalid, c.Store.Backend)
	}
	if c.Store.Backend != store.BackendMemory && c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrConfigInvalid)
	}
	return nil
}

func (c *Config) constPolicy() (vm.ConstPolicy, error) {
	var p vm.ConstPolicy
	for _, kind := range c.Protect.Consts {
		switch kind {
		case "int":
			p |= vm.ConstInts
		case "float":
			p |= vm.ConstFloats
		case "string":
			p |= vm.ConstStrings
		default:
			return 0, fmt.Errorf("%w: unknown constant kind %q", ErrConfigInvalid, kind)
		}
	}
	return p, nil
}

// ProtectOptions returns the pipeline options for the profile.
func (c *Config) ProtectOptions() protect.Options {
	policy, _ := c.constPolicy()
	opts := protect.Options{
		Fuse:          c.Protect.Fuse,
		Junk:          c.Protect.Junk,
		JunkRate:      c.Protect.JunkRate,
		Relocate:      c.Protect.Relocate,
		Permute:       c.Protect.Permute,
		Encrypt:       c.Protect.Encrypt,
		EncryptConsts: c.Protect.EncryptConsts,
		ConstPolicy:   policy,
		Strip:         c.Protect.Strip,
	}
	if c.Protect.Seed != 0 {
		opts.Source = keys.NewFixedSource(c.Protect.Seed)
	}
	return opts
}

// ChunkOptions returns the dump options for the profile.
func (c *Config) ChunkOptions() chunk.Options {
	return chunk.Options{
		Secure:    c.Chunk.Secure,
		Compress:  c.Chunk.Compress,
		Timestamp: c.Chunk.Timestamp,
		Strip:     c.Chunk.Strip,
		Key:       c.key(),
	}
}

// LoadOptions returns the load options for the profile.
func (c *Config) LoadOptions() chunk.LoadOptions {
	return chunk.LoadOptions{Key: c.key()}
}

func (c *Config) key() []byte {
	if c.Chunk.Key == "" {
		return nil
	}
	return []byte(os.ExpandEnv(c.Chunk.Key))
}

// VMOptions returns the machine limits for the profile.
func (c *Config) VMOptions() vm.Options {
	opts := vm.DefaultOptions()
	opts.Budget = c.Runtime.Budget
	if c.Runtime.MaxStack > 0 {
		opts.MaxStack = c.Runtime.MaxStack
	}
	if c.Runtime.MaxCalls > 0 {
		opts.MaxCalls = c.Runtime.MaxCalls
	}
	return opts
}

// StoreOptions returns the store configuration for the profile.
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		Backend: c.Store.Backend,
		Path:    c.Store.Path,
		NoSync:  c.Store.NoSync,
	}
}
