package backend

import "golang.org/x/sys/cpu"

// Available returns a comma-separated list of available backends.
func Available() string {
	return CPU
}

// Features lists the SIMD extensions the gonum kernels can use on this host.
func Features() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "neon")
	add(cpu.ARM64.HasSVE, "sve")
	return out
}
