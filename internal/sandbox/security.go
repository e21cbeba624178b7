package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"patchbench/pkg/seccomp"
)

// SecurityOptions harden the benchmark container. Capabilities and networking
// are left at Docker's defaults.
type SecurityOptions struct {
	NoNewPrivileges bool `json:"no_new_privileges"`
	Seccomp         bool `json:"seccomp"`
}

func DefaultSecurityOptions() SecurityOptions {
	return SecurityOptions{
		NoNewPrivileges: true,
		Seccomp:         true,
	}
}

// Prepare writes any files the options need into dir and returns the
// corresponding `docker run` flags.
func (o SecurityOptions) Prepare(dir string) ([]string, error) {
	var args []string
	if o.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	if o.Seccomp {
		profileJSON, err := seccomp.DockerProfileJSON()
		if err != nil {
			return nil, fmt.Errorf("rendering seccomp profile: %w", err)
		}
		path := filepath.Join(dir, "seccomp.json")
		if err := os.WriteFile(path, profileJSON, 0600); err != nil {
			return nil, fmt.Errorf("writing seccomp profile: %w", err)
		}
		args = append(args, "--security-opt", "seccomp="+path)
	}
	return args, nil
}
