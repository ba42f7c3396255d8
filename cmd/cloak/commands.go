package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fortiblox/cloak/internal/types"
	"github.com/fortiblox/cloak/pkg/asm"
	"github.com/fortiblox/cloak/pkg/chunk"
	"github.com/fortiblox/cloak/pkg/config"
	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/protect"
	"github.com/fortiblox/cloak/pkg/stdlib"
	"github.com/fortiblox/cloak/pkg/store"
	"github.com/fortiblox/cloak/pkg/vm"
)

// loadProgram reads a dumped chunk or an assembly source.
func loadProgram(path string, cfg *config.Config) (*vm.Prototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeProgram(filepath.Base(path), data, cfg)
}

func decodeProgram(name string, data []byte, cfg *config.Config) (*vm.Prototype, error) {
	if bytes.HasPrefix(data, []byte(chunk.Signature)) {
		p, info, err := chunk.Unmarshal(data, cfg.LoadOptions())
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		log.Infof("loaded chunk %s (%d bytes, secure=%t, compressed=%t)", info.Digest, info.Size, info.Secure, info.Compressed)
		return p, nil
	}
	p, err := asm.Assemble("@"+name, data)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", name, err)
	}
	return p, nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func cmdRun(ctx context.Context, cfg *config.Config, args []string) error {
	fs := newFlagSet("run")
	budget := fs.Uint64("budget", cfg.Runtime.Budget, "safe-point budget (0 is unlimited)")
	timeout := fs.Duration("timeout", cfg.Runtime.Timeout.Duration, "abort the run after this long")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: missing FILE", errUsage)
	}

	p, err := loadProgram(fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	if cfg.Runtime.AntiTrace && p.Obfuscated {
		if err := checkTracer(); err != nil {
			return err
		}
	}

	opts := cfg.VMOptions()
	opts.Budget = *budget
	s := vm.NewState(opts)
	stdlib.Open(s, stdlib.Options{Protect: cfg.ProtectOptions()})

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	rets, err := s.Run(ctx, p, scriptArgs(fs.Args()[1:])...)
	if m := s.Meter(); m != nil {
		log.Infof("used %d of %d safe points", m.Used(), opts.Budget)
	}
	log.Infof("run took %s", time.Since(start))
	if err != nil {
		if serr, ok := vm.AsError(err); ok && serr.Traceback != "" {
			return fmt.Errorf("%v\n%s", serr, serr.Traceback)
		}
		return err
	}

	if len(rets) > 0 {
		parts := make([]string, len(rets))
		for i, v := range rets {
			parts[i] = vm.String(v)
		}
		fmt.Fprintln(s.Stdout(), strings.Join(parts, "\t"))
	}
	return nil
}

// scriptArgs passes numeric-looking arguments as numbers.
func scriptArgs(args []string) []vm.Value {
	vals := make([]vm.Value, len(args))
	for i, a := range args {
		if n, ok := vm.StringToNumber(a); ok {
			vals[i] = n
		} else {
			vals[i] = a
		}
	}
	return vals
}

// chunkFlags registers the dump flags shared by protect and dump.
func chunkFlags(fs *flag.FlagSet, cfg *config.Config) func() chunk.Options {
	secure := fs.Bool("secure", cfg.Chunk.Secure, "encrypt the chunk with the secure keystream")
	compress := fs.Bool("compress", cfg.Chunk.Compress, "zstd-compress the payload")
	strip := fs.Bool("strip", cfg.Chunk.Strip, "omit debug information")
	return func() chunk.Options {
		opts := cfg.ChunkOptions()
		opts.Secure = *secure
		opts.Compress = *compress
		opts.Strip = *strip
		return opts
	}
}

func writeChunk(path string, p *vm.Prototype, opts chunk.Options) (types.Digest, int, error) {
	data, err := chunk.Marshal(p, opts)
	if err != nil {
		return types.Digest{}, 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.Digest{}, 0, err
	}
	return types.ComputeDigest(data), len(data), nil
}

func cmdProtect(ctx context.Context, cfg *config.Config, args []string) error {
	fs := newFlagSet("protect")
	chunkOpts := chunkFlags(fs, cfg)
	consts := fs.Bool("const", cfg.Protect.EncryptConsts, "encrypt constants")
	junk := fs.Int("junk", cfg.Protect.JunkRate, "junk insertion rate in percent")
	seed := fs.Uint64("seed", cfg.Protect.Seed, "fixed seed for reproducible output (0 is random)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: want IN and OUT", errUsage)
	}
	if *junk < 0 || *junk > 100 {
		return fmt.Errorf("%w: -junk %d outside 0..100", errUsage, *junk)
	}

	p, err := loadProgram(fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	if p.Obfuscated {
		return fmt.Errorf("%s is already protected", fs.Arg(0))
	}

	prof := *cfg
	prof.Protect.EncryptConsts = *consts
	prof.Protect.JunkRate = *junk
	prof.Protect.Seed = *seed
	stats := protect.Apply(p, prof.ProtectOptions())
	log.Infof("protected %d functions: %d fused, %d junk, %d runs relocated (%d instructions)",
		stats.Functions, stats.Fused, stats.Junk, stats.Runs, stats.Relocated)

	d, n, err := writeChunk(fs.Arg(1), p, chunkOpts())
	if err != nil {
		return err
	}
	fmt.Printf("%s  %d bytes\n", d, n)
	return nil
}

func cmdDump(ctx context.Context, cfg *config.Config, args []string) error {
	fs := newFlagSet("dump")
	chunkOpts := chunkFlags(fs, cfg)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: want IN and OUT", errUsage)
	}
	p, err := loadProgram(fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	d, n, err := writeChunk(fs.Arg(1), p, chunkOpts())
	if err != nil {
		return err
	}
	fmt.Printf("%s  %d bytes\n", d, n)
	return nil
}

func cmdDisasm(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: want FILE", errUsage)
	}
	p, err := loadProgram(args[0], cfg)
	if err != nil {
		return err
	}
	return disassemble(os.Stdout, p)
}

// disassemble lists every function with its code decoded through the
// protection metadata. Hidden-pool runs are printed under the VIRTUAL
// instruction that enters them.
func disassemble(w io.Writer, root *vm.Prototype) error {
	var err error
	root.Walk(func(p *vm.Prototype) {
		if err != nil {
			return
		}
		kind := "plain"
		if p.Obfuscated {
			kind = "protected"
		}
		fmt.Fprintf(w, "function <%s:%d,%d> (%d instructions, %d constants, %d pool words, %s)\n",
			vm.ChunkID(p.Source), p.LineDefined, p.LastLineDefined, len(p.Code), len(p.Constants), len(p.Pool), kind)
		for pc := range p.Code {
			i := p.Instruction(pc)
			fmt.Fprintf(w, "%4d  %s\n", pc, i)
			if i.Op() != isa.OpVirtual {
				continue
			}
			off := i.Ax()
			if off >= len(p.Pool) {
				err = fmt.Errorf("%w: offset %d at pc %d", vm.ErrPoolIndex, off, pc)
				return
			}
			n := p.PoolCount(off)
			if n <= 0 || n > len(p.Pool)-off-1 {
				err = fmt.Errorf("%w: run of %d at offset %d", vm.ErrPoolIndex, n, off)
				return
			}
			for k := 1; k <= n; k++ {
				fmt.Fprintf(w, "      | %4d  %s\n", off+k, p.PoolInstruction(off+k))
			}
		}
		fmt.Fprintln(w)
	})
	return err
}

func cmdStore(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: want put, get, ls or rm", errUsage)
	}
	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return err
	}
	defer st.Close()

	switch sub, rest := args[0], args[1:]; sub {
	case "put":
		if len(rest) != 1 {
			return fmt.Errorf("%w: store put FILE", errUsage)
		}
		return storePut(st, rest[0], cfg)
	case "get":
		if len(rest) != 2 {
			return fmt.Errorf("%w: store get DIGEST OUT", errUsage)
		}
		d, err := types.ParseDigest(rest[0])
		if err != nil {
			return err
		}
		data, err := st.Get(d)
		if err != nil {
			return err
		}
		return os.WriteFile(rest[1], data, 0o644)
	case "ls":
		entries, err := st.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			flags := []byte("---")
			if e.Meta.Protected {
				flags[0] = 'p'
			}
			if e.Meta.Secure {
				flags[1] = 's'
			}
			if e.Meta.Compressed {
				flags[2] = 'z'
			}
			fmt.Printf("%-44s %s %8d  %s  %s\n", e.Digest, flags, e.Meta.Size,
				e.Meta.Created.Format(time.RFC3339), e.Meta.Name)
		}
		return nil
	case "rm":
		if len(rest) == 0 {
			return fmt.Errorf("%w: store rm DIGEST...", errUsage)
		}
		for _, s := range rest {
			d, err := types.ParseDigest(s)
			if err != nil {
				return err
			}
			if err := st.Delete(d); err != nil {
				return fmt.Errorf("remove %s: %w", s, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown store command %q", errUsage, sub)
	}
}

// storePut stores a chunk. Assembly sources are dumped with the profile's
// chunk options first.
func storePut(st store.Store, path string, cfg *config.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p, err := decodeProgram(filepath.Base(path), data, cfg)
	if err != nil {
		return err
	}
	meta := store.Meta{Name: filepath.Base(path), Protected: p.Obfuscated}
	if !bytes.HasPrefix(data, []byte(chunk.Signature)) {
		opts := cfg.ChunkOptions()
		if data, err = chunk.Marshal(p, opts); err != nil {
			return err
		}
		meta.Secure, meta.Compressed = opts.Secure, opts.Compress
	} else {
		_, info, err := chunk.Unmarshal(data, cfg.LoadOptions())
		if err != nil {
			return err
		}
		meta.Secure, meta.Compressed = info.Secure, info.Compressed
	}
	d, err := st.Put(data, meta)
	if errors.Is(err, store.ErrEmpty) {
		return fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		return err
	}
	fmt.Println(d)
	return nil
}
