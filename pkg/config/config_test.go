package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fortiblox/cloak/pkg/store"
	"github.com/fortiblox/cloak/pkg/vm"
)

const profile = `
[protect]
junk-rate = 25
encrypt-consts = true
consts = ["int", "float"]
seed = 99

[chunk]
secure = true
compress = true
key = "${CLOAK_TEST_KEY}-suffix"

[runtime]
budget = 5000
timeout = "1500ms"
anti-trace = true

[store]
backend = "badger"
path = "/var/lib/cloak"
`

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Failed to validate defaults: %v", err)
	}
	opts := cfg.ProtectOptions()
	if !opts.Fuse || !opts.Relocate || !opts.Encrypt || opts.EncryptConsts {
		t.Errorf("default protect options = %+v", opts)
	}
	if opts.ConstPolicy != vm.ConstInts|vm.ConstStrings {
		t.Errorf("ConstPolicy = %v, want ints|strings", opts.ConstPolicy)
	}
	if opts.Source != nil {
		t.Error("default profile pins a key source")
	}
}

func TestParse(t *testing.T) {
	t.Setenv("CLOAK_TEST_KEY", "k")
	cfg, err := Parse(profile)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	p := cfg.ProtectOptions()
	if p.JunkRate != 25 || !p.EncryptConsts || p.ConstPolicy != vm.ConstInts|vm.ConstFloats {
		t.Errorf("protect options = %+v", p)
	}
	if !p.Fuse {
		t.Error("unset key lost its default")
	}
	if p.Source == nil {
		t.Error("seed did not pin a key source")
	}

	c := cfg.ChunkOptions()
	if !c.Secure || !c.Compress || !c.Timestamp {
		t.Errorf("chunk options = %+v", c)
	}
	if got, want := string(c.Key), "k-suffix"; got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
	if got := string(cfg.LoadOptions().Key); got != "k-suffix" {
		t.Errorf("load Key = %q, want k-suffix", got)
	}

	v := cfg.VMOptions()
	if v.Budget != 5000 || v.MaxStack != vm.DefaultMaxStack {
		t.Errorf("vm options = %+v", v)
	}
	if cfg.Runtime.Timeout.Duration != 1500*time.Millisecond || !cfg.Runtime.AntiTrace {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}

	want := store.Config{Backend: store.BackendBadger, Path: "/var/lib/cloak"}
	if got := cfg.StoreOptions(); !reflect.DeepEqual(got, want) {
		t.Errorf("StoreOptions() = %+v, want %+v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		invalid bool
	}{
		{"unknown key", "[protect]\nfusion = true\n", true},
		{"unknown table", "[network]\nport = 1\n", true},
		{"junk rate", "[protect]\njunk-rate = 101\n", true},
		{"const kind", "[protect]\nconsts = [\"bool\"]\n", true},
		{"backend", "[store]\nbackend = \"sqlite\"\n", true},
		{"missing path", "[store]\npath = \"\"\n", true},
		{"bad duration", "[runtime]\ntimeout = \"soon\"\n", false},
		{"bad syntax", "[protect\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if err == nil {
				t.Fatal("Parse succeeded, want an error")
			}
			if got := errors.Is(err, ErrConfigInvalid); got != tt.invalid {
				t.Errorf("errors.Is(%v, ErrConfigInvalid) = %v, want %v", err, got, tt.invalid)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloak.toml")
	if err := os.WriteFile(path, []byte("[store]\nbackend = \"memory\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write profile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if cfg.Store.Backend != store.BackendMemory {
		t.Errorf("Backend = %q, want %q", cfg.Store.Backend, store.BackendMemory)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("loading a missing file succeeded")
	}
}
