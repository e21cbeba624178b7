package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func actionFor(p *specs.LinuxSeccomp, name string) (specs.LinuxSeccompAction, bool) {
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == name {
				return rule.Action, true
			}
		}
	}
	return "", false
}

func TestBenchmarkProfile_AllowByDefault(t *testing.T) {
	p := BenchmarkProfile()
	if p.DefaultAction != specs.ActAllow {
		t.Errorf("DefaultAction = %v, want ActAllow", p.DefaultAction)
	}
}

func TestBenchmarkProfile_BlocksHostSyscalls(t *testing.T) {
	p := BenchmarkProfile()
	for _, name := range []string{"mount", "kexec_load", "init_module", "bpf", "ptrace", "setns", "reboot"} {
		action, ok := actionFor(p, name)
		if !ok {
			t.Errorf("%s has no rule", name)
			continue
		}
		if action != specs.ActErrno {
			t.Errorf("%s action = %v, want ActErrno", name, action)
		}
	}
}

func TestBenchmarkProfile_LeavesWorkloadSyscalls(t *testing.T) {
	p := BenchmarkProfile()
	for _, name := range []string{"clone", "execve", "socket", "futex", "mmap"} {
		if action, ok := actionFor(p, name); ok {
			t.Errorf("%s has rule %v, want default allow", name, action)
		}
	}
}

func TestBlockSyscalls_SetsEPERM(t *testing.T) {
	p := NewBuilder(specs.ActAllow).BlockSyscalls("mount").Build()
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.ErrnoRet == nil || *rule.ErrnoRet != 1 {
		t.Errorf("ErrnoRet = %v, want 1 (EPERM)", rule.ErrnoRet)
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names    []string `json:"names"`
			Action   string   `json:"action"`
			ErrnoRet *uint    `json:"errnoRet"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ALLOW" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ALLOW", dp.DefaultAction)
	}
	if len(dp.Architectures) == 0 {
		t.Error("expected architectures, got none")
	}
	if len(dp.Syscalls) == 0 {
		t.Fatal("expected syscall rules, got none")
	}
	if dp.Syscalls[0].Action != "SCMP_ACT_ERRNO" {
		t.Errorf("first rule action = %q, want SCMP_ACT_ERRNO", dp.Syscalls[0].Action)
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder(specs.ActErrno).AllowSyscalls("read", "write").LogSyscalls("openat").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 2 {
		t.Fatalf("got %d rules, want 2", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
	if p.Syscalls[1].Action != specs.ActLog {
		t.Errorf("second rule Action = %v, want ActLog", p.Syscalls[1].Action)
	}

	p = NewBuilder(specs.ActAllow).WithArchitectures(specs.ArchAARCH64).Build()
	if len(p.Architectures) != 1 || p.Architectures[0] != specs.ArchAARCH64 {
		t.Errorf("Architectures = %v, want [aarch64]", p.Architectures)
	}
}
