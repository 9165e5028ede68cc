// Command iem runs a flat guest image on the emulation engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/iem/internal/iem"
	"github.com/tinyrange/iem/internal/term"
	"github.com/tinyrange/iem/internal/timeslice"
	"github.com/tinyrange/iem/internal/vmm"
)

var (
	tsCreate = timeslice.RegisterKind("iem::create", timeslice.SliceFlagInitTime)
	tsLoad   = timeslice.RegisterKind("iem::load", timeslice.SliceFlagInitTime)
	tsRun    = timeslice.RegisterKind("iem::run", 0)
)

type options struct {
	configPath  string
	writeConfig bool
	restore     string
	save        string
	dump        bool
	verbose     bool
	bench       int
	tsFile      string
	debug       bool
}

// applyFlags copies the flags given on the command line over cfg.
func applyFlags(fs *flag.FlagSet, cfg *vmm.Config, f *vmm.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "arch":
			cfg.Arch = f.Arch
		case "cpus":
			cfg.CPUs = f.CPUs
		case "memory":
			cfg.MemoryMB = f.MemoryMB
		case "memory-base":
			cfg.MemoryBase = f.MemoryBase
		case "profile":
			cfg.Profile = f.Profile
		case "exec":
			cfg.Exec = f.Exec
		case "compile-threshold":
			cfg.CompileThreshold = f.CompileThreshold
		case "quantum":
			cfg.Quantum = f.Quantum
		case "image":
			cfg.Image = f.Image
		case "load":
			cfg.LoadAddress = f.LoadAddress
		case "entry":
			cfg.Entry = f.Entry
		case "timer":
			cfg.Timer.Period = f.Timer.Period
		case "timer-vector":
			cfg.Timer.Vector = f.Timer.Vector
		}
	})
}

func parseFlags(args []string) (vmm.Config, options, error) {
	fs := flag.NewFlagSet("iem", flag.ExitOnError)

	var opts options
	var f vmm.Config
	var vector uint
	fs.StringVar(&opts.configPath, "config", "", "YAML vm configuration; flags override it")
	fs.BoolVar(&opts.writeConfig, "write-config", false, "print the effective configuration and exit")
	fs.StringVar(&f.Arch, "arch", "", "guest architecture (x86_64 or arm64)")
	fs.IntVar(&f.CPUs, "cpus", 1, "number of vcpus")
	fs.Uint64Var(&f.MemoryMB, "memory", vmm.DefaultMemoryMB, "guest RAM in MiB")
	fs.Uint64Var(&f.MemoryBase, "memory-base", 0, "guest physical address of RAM")
	fs.StringVar(&f.Profile, "profile", "", "CPU database profile shown to the guest")
	fs.StringVar(&f.Exec, "exec", iem.ExecThreaded.String(), "execution mode (threaded or interpret)")
	fs.IntVar(&f.CompileThreshold, "compile-threshold", 0, "cache misses before a block is compiled")
	fs.IntVar(&f.Quantum, "quantum", 0, "dispatch iterations between context checks")
	fs.StringVar(&f.Image, "image", "", "flat guest image")
	fs.Uint64Var(&f.LoadAddress, "load", 0, "guest physical load address of the image")
	fs.Uint64Var(&f.Entry, "entry", 0, "entry point (defaults to the load address)")
	fs.DurationVar(&f.Timer.Period, "timer", 0, "raise a periodic timer interrupt on every vcpu")
	fs.UintVar(&vector, "timer-vector", 0, "timer interrupt vector")
	fs.StringVar(&opts.restore, "restore", "", "load saved state before running")
	fs.StringVar(&opts.save, "save", "", "write saved state after the guest stops")
	fs.BoolVar(&opts.dump, "dump", false, "dump vm state after the guest stops")
	fs.BoolVar(&opts.verbose, "v", false, "verbose dumps, including the guest identification")
	fs.IntVar(&opts.bench, "bench", 0, "run the image this many times and report timings")
	fs.StringVar(&opts.tsFile, "tsfile", "", "record a timeslice file for later analysis")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return vmm.Config{}, opts, err
	}
	if vector > 0xff {
		return vmm.Config{}, opts, fmt.Errorf("timer vector %d out of range", vector)
	}
	f.Timer.Vector = uint8(vector)

	var cfg vmm.Config
	if opts.configPath != "" {
		var err error
		if cfg, err = vmm.LoadConfig(opts.configPath); err != nil {
			return vmm.Config{}, opts, err
		}
	}
	applyFlags(fs, &cfg, &f)
	return cfg, opts, nil
}

func runOnce(ctx context.Context, cfg vmm.Config, opts options) (*vmm.VM, error) {
	start := time.Now()
	vm, err := vmm.New(cfg, nil)
	if err != nil {
		return nil, err
	}
	timeslice.Record(tsCreate, 0, time.Since(start))

	if opts.restore != "" {
		start = time.Now()
		f, err := os.Open(opts.restore)
		if err != nil {
			vm.Close()
			return nil, err
		}
		err = vm.Load(f)
		f.Close()
		if err != nil {
			vm.Close()
			return nil, err
		}
		timeslice.Record(tsLoad, 0, time.Since(start))
	}

	start = time.Now()
	err = vm.Run(ctx)
	timeslice.Record(tsRun, 0, time.Since(start))
	return vm, err
}

func bench(ctx context.Context, cfg vmm.Config, opts options) error {
	pb := progressbar.Default(int64(opts.bench), "running")
	defer pb.Close()

	var total time.Duration
	for range opts.bench {
		start := time.Now()
		vm, err := runOnce(ctx, cfg, opts)
		if vm != nil {
			vm.Close()
		}
		if err != nil {
			return err
		}
		total += time.Since(start)
		pb.Add(1)
	}
	slog.Info("bench complete", "runs", opts.bench, "total", total, "avg", total/time.Duration(opts.bench))
	return nil
}

func saveState(vm *vmm.VM, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := vm.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func run(stdout, stderr *term.Output) error {
	cfg, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(cfg.Logger)

	if opts.writeConfig {
		return vmm.WriteConfig(os.Stdout, cfg)
	}
	if cfg.Image == "" && opts.restore == "" {
		return errors.New("no guest image (use -image or image: in -config)")
	}

	if opts.tsFile != "" {
		f, err := os.Create(opts.tsFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()
		cfg.Timeslices = true

		closer, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start recording timeslices: %w", err)
		}
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if opts.bench > 0 {
		cfg.Console = io.Discard
		return bench(ctx, cfg, opts)
	}

	cfg.Console = stdout
	cfg.Dump = stderr
	vm, err := runOnce(ctx, cfg, opts)
	if vm != nil {
		defer vm.Close()
	}
	stdout.Flush()
	switch {
	case errors.Is(err, iem.ErrGuruMeditation):
		// The report is already on stderr.
		return err
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted")
	case err != nil:
		return err
	}

	if opts.dump {
		if err := vm.Dump(stderr, opts.verbose); err != nil {
			return err
		}
	}
	if opts.save != "" {
		if err := saveState(vm, opts.save); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		slog.Info("state saved", "file", opts.save)
	}
	return nil
}

func main() {
	stdout := term.NewOutput(os.Stdout)
	stderr := term.NewOutput(os.Stderr)
	err := run(stdout, stderr)
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", stderr.Styled(term.Error, "iem:"), err)
		os.Exit(1)
	}
}
