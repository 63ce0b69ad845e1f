// Package cfg loads the module configuration and provides the static
// firmware-image fixture used when no external loader is wired in. The
// real RPRC parser lives outside this module; anything that can produce
// a mapping list, an entry point, and a suspend-flag address satisfies
// the loader contract.
package cfg

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/rproc"
)

// Carveout is one physically contiguous region reserved for a remote.
type Carveout struct {
	Phys uint64 `yaml:"phys"`
	Size uint64 `yaml:"size"`
}

// RemoteConfig configures one remote core. The register base addresses
// are only consulted when the daemon drives real hardware; the model
// platform ignores them.
type RemoteConfig struct {
	Name      string     `yaml:"name"`
	Family    string     `yaml:"family"` // dsp, ipu1 or ipu2
	MMUEnable bool       `yaml:"mmu_enable"`
	BootMode  string     `yaml:"boot_mode"` // boot, noload_pwr or noload_nopwr
	Carveouts []Carveout `yaml:"carveouts"`
	Firmware  string     `yaml:"firmware"`

	MailboxBase uint64 `yaml:"mailbox_base"`
	MMUBase     uint64 `yaml:"mmu_base"`
	CtrlBase    uint64 `yaml:"ctrl_base"`
	GPTBase     uint64 `yaml:"gpt_base"`
}

// Config is the module-level configuration read at setup.
type Config struct {
	IntID        uint32         `yaml:"int_id"`
	NumProcs     int            `yaml:"num_procs"`
	HibEnable    bool           `yaml:"hib_enable"`
	HibTimeoutMS int            `yaml:"hib_timeout_ms"`
	PRCMBase     uint64         `yaml:"prcm_base"`
	Remotes      []RemoteConfig `yaml:"remotes"`
}

// DefaultHibTimeoutMS is used when hibernation is enabled without a
// period.
const DefaultHibTimeoutMS = 5000

// Load reads a YAML configuration.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cfg: read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cfg: parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads a YAML configuration from path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cfg: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) validate() error {
	if c.NumProcs <= 0 {
		c.NumProcs = len(c.Remotes)
	}
	if c.NumProcs != len(c.Remotes) {
		return fmt.Errorf("cfg: num_procs %d but %d remotes configured: %w",
			c.NumProcs, len(c.Remotes), errkind.ErrInvalidArg)
	}
	if c.HibEnable && c.HibTimeoutMS <= 0 {
		c.HibTimeoutMS = DefaultHibTimeoutMS
	}
	for i, r := range c.Remotes {
		if r.Name == "" {
			return fmt.Errorf("cfg: remote %d has no name: %w", i, errkind.ErrInvalidArg)
		}
		if _, err := BootModeOf(r.BootMode); err != nil {
			return fmt.Errorf("cfg: remote %s: %w", r.Name, err)
		}
		switch r.Family {
		case "dsp", "ipu1", "ipu2":
		default:
			return fmt.Errorf("cfg: remote %s has unknown family %q: %w",
				r.Name, r.Family, errkind.ErrInvalidArg)
		}
	}
	return nil
}

// BootModeOf parses a boot-mode name; the empty string means Boot.
func BootModeOf(name string) (rproc.BootMode, error) {
	switch name {
	case "", "boot":
		return rproc.Boot, nil
	case "noload_pwr":
		return rproc.NoLoadPwr, nil
	case "noload_nopwr":
		return rproc.NoLoadNoPwr, nil
	}
	return 0, fmt.Errorf("cfg: unknown boot mode %q: %w", name, errkind.ErrInvalidArg)
}

// StaticImage is a canned firmware description satisfying the loader
// contract, used by tests and dry runs.
type StaticImage struct {
	Entry   uint32
	Flag    uint32
	MapList []rproc.Mapping
}

// Mappings implements rproc.FirmwareImage.
func (s *StaticImage) Mappings() []rproc.Mapping { return s.MapList }

// EntryPoint implements rproc.FirmwareImage.
func (s *StaticImage) EntryPoint() uint32 { return s.Entry }

// SuspendFlagAddr implements rproc.FirmwareImage.
func (s *StaticImage) SuspendFlagAddr() uint32 { return s.Flag }
