package vmm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/iem"
)

var ErrInvalidConfig = errors.New("invalid vm configuration")

const (
	DefaultMemoryMB    = 16
	DefaultLoadAddress = 0x10000
	DefaultStackSize   = 64 << 10

	// Timer lines raised by the periodic timer when none is configured:
	// the first x86 vector above the exceptions and the arm64 virtual
	// timer PPI.
	DefaultTimerVectorX86   = 0x20
	DefaultTimerVectorARM64 = 27
)

// Config describes a VM that runs one flat guest image. The YAML form is
// what cmd/iem reads; fields tagged "-" are set by the caller.
type Config struct {
	CPUs     int    `yaml:"cpus,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	// MemoryBase is the guest physical address of RAM.
	MemoryBase uint64 `yaml:"memoryBase,omitempty"`
	Arch       string `yaml:"arch,omitempty"`
	// Profile names a CPU database entry. Empty shows the guest the host.
	Profile string `yaml:"profile,omitempty"`

	Exec                 string `yaml:"exec,omitempty"`
	CompileThreshold     int    `yaml:"compileThreshold,omitempty"`
	MaxBlockInstructions int    `yaml:"maxBlockInstructions,omitempty"`
	MaxBlocks            int    `yaml:"maxBlocks,omitempty"`
	Quantum              int    `yaml:"quantum,omitempty"`

	Image       string `yaml:"image,omitempty"`
	LoadAddress uint64 `yaml:"loadAddress,omitempty"`
	// Entry is where every VCpu starts. It defaults to the load address.
	Entry     uint64 `yaml:"entry,omitempty"`
	StackSize uint64 `yaml:"stackSize,omitempty"`

	Timer TimerConfig `yaml:"timer,omitempty"`

	Timeslices bool `yaml:"timeslices,omitempty"`

	ImageData []byte       `yaml:"-"`
	Console   io.Writer    `yaml:"-"`
	Dump      io.Writer    `yaml:"-"`
	Logger    *slog.Logger `yaml:"-"`
}

// TimerConfig is a periodic interrupt raised on every VCpu.
type TimerConfig struct {
	Period time.Duration `yaml:"period,omitempty"`
	Vector uint8         `yaml:"vector,omitempty"`
}

func hostArch() string {
	if a := hv.ParseArchitecture(runtime.GOARCH); a != hv.ArchitectureInvalid {
		return string(a)
	}
	return string(hv.ArchitectureX86_64)
}

func (c *Config) normalize() {
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.Arch == "" {
		c.Arch = hostArch()
	}
	if c.Exec == "" {
		c.Exec = iem.ExecThreaded.String()
	}
	if c.LoadAddress == 0 {
		c.LoadAddress = c.MemoryBase + DefaultLoadAddress
	}
	if c.Entry == 0 {
		c.Entry = c.LoadAddress
	}
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.Timer.Period > 0 && c.Timer.Vector == 0 {
		c.Timer.Vector = DefaultTimerVectorX86
		if hv.ParseArchitecture(c.Arch) == hv.ArchitectureARM64 {
			c.Timer.Vector = DefaultTimerVectorARM64
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.CPUs < 1 || c.CPUs > 64 {
		return fmt.Errorf("%w: %d cpus", ErrInvalidConfig, c.CPUs)
	}
	if hv.ParseArchitecture(c.Arch) == hv.ArchitectureInvalid {
		return fmt.Errorf("%w: unknown architecture %q", ErrInvalidConfig, c.Arch)
	}
	if _, err := parseExec(c.Exec); err != nil {
		return err
	}
	if c.MemoryBase&(2<<20-1) != 0 {
		return fmt.Errorf("%w: memory base %#x is not 2 MiB aligned", ErrInvalidConfig, c.MemoryBase)
	}
	if c.StackSize&0xfff != 0 {
		return fmt.Errorf("%w: stack size %#x is not page aligned", ErrInvalidConfig, c.StackSize)
	}
	if c.Timer.Period < 0 {
		return fmt.Errorf("%w: timer period %s", ErrInvalidConfig, c.Timer.Period)
	}
	return nil
}

func parseExec(s string) (iem.ExecMode, error) {
	switch s {
	case iem.ExecThreaded.String():
		return iem.ExecThreaded, nil
	case iem.ExecInterpret.String():
		return iem.ExecInterpret, nil
	}
	return 0, fmt.Errorf("%w: exec mode %q (want threaded or interpret)", ErrInvalidConfig, s)
}

// ParseConfig decodes a YAML configuration and fills in defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse vm config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read vm config: %w", err)
	}
	return ParseConfig(data)
}

// WriteConfig writes cfg as YAML, e.g. as a template for LoadConfig.
func WriteConfig(w io.Writer, cfg Config) error {
	cfg.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode vm config: %w", err)
	}
	return enc.Close()
}
