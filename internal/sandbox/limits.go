package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"patchbench/internal/config"
)

// ResourceLimits are the `docker run` resource flags for a benchmark session.
// Sizes use Docker's notation ("6g", "512m").
type ResourceLimits struct {
	Memory   string   `json:"memory"`
	CPUs     float64  `json:"cpus"`
	ShmSize  string   `json:"shm_size"`
	Ulimits  []string `json:"ulimits"` // name=soft:hard
	Platform string   `json:"platform"`
}

// DefaultLimits matches the hardware profile the benchmark images were annotated on.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		Memory:  "6g",
		CPUs:    4,
		ShmSize: "2g",
		Ulimits: []string{
			"nofile=65536:65536",
			"nproc=32768:32768",
			"memlock=-1:-1",
			"stack=-1:-1",
			"data=-1:-1",
			"fsize=-1:-1",
			"cpu=-1:-1",
			"rss=-1:-1",
		},
		Platform: "linux/amd64",
	}
}

// LimitsFromConfig converts the config section, falling back to defaults for
// empty fields.
func LimitsFromConfig(c config.LimitsConfig) ResourceLimits {
	l := DefaultLimits()
	if c.Memory != "" {
		l.Memory = c.Memory
	}
	if c.CPUs > 0 {
		l.CPUs = c.CPUs
	}
	if c.ShmSize != "" {
		l.ShmSize = c.ShmSize
	}
	if c.Ulimits != nil {
		l.Ulimits = c.Ulimits
	}
	if c.Platform != "" {
		l.Platform = c.Platform
	}
	return l
}

const minMemoryBytes = 64 * units.MiB

func (rl ResourceLimits) Validate() error {
	mem, err := units.RAMInBytes(rl.Memory)
	if err != nil {
		return fmt.Errorf("%w: memory %q: %v", ErrInvalidLimits, rl.Memory, err)
	}
	if mem < minMemoryBytes {
		return fmt.Errorf("%w: memory must be at least %s, got %s",
			ErrInvalidLimits, units.BytesSize(minMemoryBytes), units.BytesSize(float64(mem)))
	}
	if rl.CPUs <= 0 || rl.CPUs > 256 {
		return fmt.Errorf("%w: cpus must be in (0, 256], got %v", ErrInvalidLimits, rl.CPUs)
	}
	if rl.ShmSize != "" {
		if _, err := units.RAMInBytes(rl.ShmSize); err != nil {
			return fmt.Errorf("%w: shm_size %q: %v", ErrInvalidLimits, rl.ShmSize, err)
		}
	}
	seen := make(map[string]bool, len(rl.Ulimits))
	for _, raw := range rl.Ulimits {
		u, err := units.ParseUlimit(raw)
		if err != nil {
			return fmt.Errorf("%w: ulimit %q: %v", ErrInvalidLimits, raw, err)
		}
		if seen[u.Name] {
			return fmt.Errorf("%w: ulimit %q given twice", ErrInvalidLimits, u.Name)
		}
		seen[u.Name] = true
	}
	if goos, arch, ok := strings.Cut(rl.Platform, "/"); !ok || goos == "" || arch == "" {
		return fmt.Errorf("%w: platform must be os/arch, got %q", ErrInvalidLimits, rl.Platform)
	}
	return nil
}

// Args renders the limits as `docker run` flags. Call Validate first; invalid
// ulimits are skipped.
func (rl ResourceLimits) Args() []string {
	args := []string{
		"--platform", rl.Platform,
		"--memory", rl.Memory,
		"--cpus", strconv.FormatFloat(rl.CPUs, 'f', -1, 64),
	}
	if rl.ShmSize != "" {
		args = append(args, "--shm-size", rl.ShmSize)
	}
	for _, raw := range rl.Ulimits {
		u, err := units.ParseUlimit(raw)
		if err != nil {
			continue
		}
		args = append(args, "--ulimit", u.String())
	}
	return args
}
