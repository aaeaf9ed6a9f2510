// Package libcabi describes the freestanding C ABI surface of
// spec.md §6 that the libc shim collaborator layers over the heap:
// memcpy-family, str-family, and malloc-family symbol names, POSIX
// error codes, and mmap protection bits. Mirage's heap allocator
// (mirage/heap) is the only real implementation behind this surface;
// this package exists so the boundary has a name and a type, the way
// the corpus keeps its wire-format constants (np.Terror, np.Tmode) in
// a plain-const package next to the code that produces them rather
// than inlining magic numbers at call sites.
package libcabi

// Errno mirrors the subset of POSIX error numbers spec.md §6 names.
type Errno int32

const (
	EINVAL Errno = 22
	ENOMEM Errno = 12
)

// Prot bits match mirage/heap.Prot's values so a caller crossing the
// ABI boundary (e.g. an mmap shim) can convert without a lookup table.
const (
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// Symbol names the freestanding C ABI surface consumed by the libc
// shim collaborator (spec.md §6), used only for documentation and
// diagnostic logging — Mirage does not implement these symbols itself.
type Symbol string

const (
	Memcpy  Symbol = "memcpy"
	Memmove Symbol = "memmove"
	Memset  Symbol = "memset"
	Memcmp  Symbol = "memcmp"
	Memchr  Symbol = "memchr"
	Bzero   Symbol = "bzero"
	Bcopy   Symbol = "bcopy"
	Bcmp    Symbol = "bcmp"

	Strlen  Symbol = "strlen"
	Strnlen Symbol = "strnlen"
	Strcmp  Symbol = "strcmp"
	Strncmp Symbol = "strncmp"
	Strcpy  Symbol = "strcpy"
	Strncpy Symbol = "strncpy"
	Strcat  Symbol = "strcat"
	Strncat Symbol = "strncat"
	Strchr  Symbol = "strchr"
	Strrchr Symbol = "strrchr"
	Strstr  Symbol = "strstr"
	Strdup  Symbol = "strdup"
	Strndup Symbol = "strndup"

	Malloc         Symbol = "malloc"
	Free           Symbol = "free"
	Calloc         Symbol = "calloc"
	Realloc        Symbol = "realloc"
	Reallocarray   Symbol = "reallocarray"
	AlignedAlloc   Symbol = "aligned_alloc"
	PosixMemalign  Symbol = "posix_memalign"
	Memalign       Symbol = "memalign"

	Mmap   Symbol = "mmap"
	Munmap Symbol = "munmap"
)

// MunmapResult converts a Munmap outcome to the ABI's 0/-1 convention
// (spec.md §6: "munmap returns 0/-1").
func MunmapResult(err error) int {
	if err != nil {
		return -1
	}
	return 0
}

// PosixMemalignResult converts an alignment/allocation failure to the
// errno spec.md §6 specifies: EINVAL for a bad alignment, ENOMEM for
// OOM, 0 on success.
func PosixMemalignResult(badAlignment, outOfMemory bool) Errno {
	switch {
	case badAlignment:
		return EINVAL
	case outOfMemory:
		return ENOMEM
	default:
		return 0
	}
}
