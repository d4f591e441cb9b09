package vm

import (
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// ---------------------------------------------------------------------------
// Platform capability probe
// ---------------------------------------------------------------------------
//
// The reference-count manager needs 64-bit atomic read-modify-write. The
// probe runs once per process; the answer is fixed for the lifetime of any
// heap created afterwards. Setting PERCH_NO_ATOMICS=1 forces the mutex
// fallback (used by tests and as an escape hatch on broken platforms).

var (
	atomicsOnce  sync.Once
	atomicsAvail bool
)

// AtomicsAvailable reports whether the platform supports the 64-bit atomic
// operations the biased counting scheme relies on.
func AtomicsAvailable() bool {
	atomicsOnce.Do(func() {
		atomicsAvail = probeAtomics()
	})
	return atomicsAvail
}

func probeAtomics() bool {
	if os.Getenv("PERCH_NO_ATOMICS") == "1" {
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "arm64", "riscv64", "ppc64", "ppc64le", "s390x", "loong64":
		// 64-bit RMW is architectural on these.
		return true
	case "386":
		// CMPXCHG8B predates SSE2; any SSE2-capable part has it.
		return cpu.X86.HasSSE2
	case "arm":
		// Needs LDREXD/STREXD (ARMv6k+); the kernel helper path is too
		// slow to count as "available". LPAE implies a v7+ core.
		return cpu.ARM.HasLPAE
	default:
		return false
	}
}
