package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// hostSyscalls reach outside the container: mounts, kernel modules and
// keyrings, clock and host identity changes.
func hostSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		BlockSyscalls(
			"mount", "umount", "umount2", "pivot_root",
			"move_mount", "open_tree", "fsopen", "fsconfig", "fsmount", "fspick",
		).
		BlockSyscalls(
			"kexec_load", "kexec_file_load",
			"init_module", "finit_module", "delete_module",
			"reboot",
			"swapon", "swapoff",
			"acct",
			"ioperm", "iopl",
			"lookup_dcookie",
			"nfsservctl",
		).
		BlockSyscalls(
			"keyctl", "add_key", "request_key",
			"bpf",
			"userfaultfd",
			"open_by_handle_at",
		).
		BlockSyscalls(
			"settimeofday", "clock_settime", "clock_adjtime", "adjtimex", "stime",
			"sethostname", "setdomainname",
			"setns", "unshare",
		)
}

// debugSyscalls let one process inspect or modify another.
func debugSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.BlockSyscalls(
		"ptrace",
		"process_vm_readv", "process_vm_writev",
		"kcmp",
	)
}

// BenchmarkProfile allows everything a benchmark image may need (compilers,
// interpreters, git, threads, sockets for local services) and blocks the
// syscalls that touch the host.
func BenchmarkProfile() *specs.LinuxSeccomp {
	b := NewBuilder(specs.ActAllow)
	b = hostSyscalls(b)
	b = debugSyscalls(b)
	return b.Build()
}

// DockerProfileJSON returns BenchmarkProfile in Docker's profile format.
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(BenchmarkProfile())
}
