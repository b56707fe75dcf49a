package kmain

import (
	"encoding/json"
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/vm"
	"io"
	"os"
)

var (
	errConfigRead  = &kernel.Error{Module: "kmain", Message: "unable to read configuration"}
	errConfigValue = &kernel.Error{Module: "kmain", Message: "invalid configuration value"}
)

// Config describes the machine the kernel boots on.
type Config struct {
	// FrameCount is the number of physical frames available to user pages.
	FrameCount uint32 `json:"frame_count"`

	// SwapDevice is the host path of the swap disk image. If empty an
	// in-memory device is used.
	SwapDevice string `json:"swap_device"`

	// SwapSlots is the swap device capacity in pages.
	SwapSlots uint32 `json:"swap_slots"`

	// MaxStackSize bounds the user stack of every process in bytes.
	MaxStackSize mm.Size `json:"max_stack_size"`

	// LogFile receives the kernel console output when set.
	LogFile string `json:"log_file"`
}

// DefaultConfig returns the configuration used for missing values.
func DefaultConfig() Config {
	return Config{
		FrameCount:   64,
		SwapSlots:    256,
		MaxStackSize: vm.DefaultMaxStackSize,
	}
}

// LoadConfig reads a JSON configuration file. Missing fields keep their
// default values.
func LoadConfig(path string) (Config, *kernel.Error) {
	f, err := os.Open(path)
	if err != nil {
		kfmt.Printf("[kmain] open %s: %s\n", path, err.Error())
		return Config{}, errConfigRead
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig decodes a JSON configuration from r on top of the defaults.
func ParseConfig(r io.Reader) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		kfmt.Printf("[kmain] decode config: %s\n", err.Error())
		return Config{}, errConfigRead
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() *kernel.Error {
	switch {
	case cfg.FrameCount == 0:
		kfmt.Printf("[kmain] frame_count must be positive\n")
		return errConfigValue
	case cfg.SwapSlots == 0:
		kfmt.Printf("[kmain] swap_slots must be positive\n")
		return errConfigValue
	case cfg.MaxStackSize < mm.Size(mm.PageSize) || uintptr(cfg.MaxStackSize) > vm.UserTop:
		kfmt.Printf("[kmain] max_stack_size must be between one page and the user address space size\n")
		return errConfigValue
	}
	return nil
}
