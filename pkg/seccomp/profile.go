package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// errnoEPERM is returned for blocked syscalls instead of the kernel default ENOSYS,
// so callers see "operation not permitted".
const errnoEPERM uint = 1

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a profile whose unmatched syscalls take defaultAction.
func NewBuilder(defaultAction specs.LinuxSeccompAction) *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: defaultAction,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchX86,
				specs.ArchX32,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	errno := errnoEPERM
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:    names,
		Action:   specs.ActErrno,
		ErrnoRet: &errno,
	})
	return b
}

func (b *ProfileBuilder) LogSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActLog,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// DockerJSON renders a profile in the format accepted by
// `docker run --security-opt seccomp=<file>`. The runtime-spec field names
// match Docker's profile schema.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
