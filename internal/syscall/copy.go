package syscall

import (
	"encoding/binary"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
)

// MaxPathLen bounds a copied-in path or argv string, mirroring PatchworkOS's MAX_PATH.
const MaxPathLen = 4096

// MaxCopyBytes bounds a single read/write/ioctl copy, the simulation's stand-in for a kernel
// refusing to pin an unbounded number of user pages for one syscall.
const MaxCopyBytes = 1 << 20

// readBuf copies n bytes of space's memory starting at addr into a freshly allocated slice,
// walking page by page the same way internal/loader's writePages does in reverse.
func readBuf(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr, n int) ([]byte, errno.Errno) {
	if n < 0 || n > MaxCopyBytes {
		return nil, errno.EINVAL
	}

	buf := make([]byte, n)
	if err := copyAt(alloc, space, addr, buf, false); err != errno.NONE {
		return nil, err
	}

	return buf, errno.NONE
}

// writeBuf copies data into space's memory starting at addr.
func writeBuf(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr, data []byte) errno.Errno {
	return copyAt(alloc, space, addr, data, true)
}

// copyAt walks buf one page at a time, translating addr through space's page tables for each
// page crossed. write selects the direction: true copies buf into user memory, false copies user
// memory into buf.
func copyAt(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr, buf []byte, write bool) errno.Errno {
	remaining := buf

	for len(remaining) > 0 {
		phys, ok := space.Tables().PhysAddrOf(addr)
		if !ok {
			return errno.EFAULT
		}

		n := mem.PageSize - int(uint64(addr)%mem.PageSize)
		if n > len(remaining) {
			n = len(remaining)
		}

		if write {
			alloc.WriteAt(phys, remaining[:n])
		} else {
			alloc.ReadAt(phys, remaining[:n])
		}

		remaining = remaining[n:]
		addr += mem.VirtAddr(n)
	}

	return errno.NONE
}

// readString copies a NUL-terminated string out of user memory, one byte at a time, refusing to
// read past maxLen bytes without finding a terminator (spec.md §6.3's "parsing is strict").
func readString(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr, maxLen int) (string, errno.Errno) {
	buf := make([]byte, 0, 64)

	for i := 0; i < maxLen; i++ {
		b, errn := readBuf(alloc, space, addr+mem.VirtAddr(i), 1)
		if errn != errno.NONE {
			return "", errn
		}

		if b[0] == 0 {
			return string(buf), errno.NONE
		}

		buf = append(buf, b[0])
	}

	return "", errno.ERANGE
}

// writeString copies s plus a trailing NUL into user memory at addr, failing if it would not fit
// in maxLen bytes including the terminator.
func writeString(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr, s string, maxLen int) errno.Errno {
	if len(s)+1 > maxLen {
		return errno.ERANGE
	}

	out := make([]byte, len(s)+1)
	copy(out, s)

	return writeBuf(alloc, space, addr, out)
}

// readUint64 reads one little-endian uint64 out of user memory, used for argv pointer tables and
// the 8-byte share/claim key.
func readUint64(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr) (uint64, errno.Errno) {
	buf, errn := readBuf(alloc, space, addr, 8)
	if errn != errno.NONE {
		return 0, errn
	}

	return binary.LittleEndian.Uint64(buf), errno.NONE
}

// writeUint64 writes one little-endian uint64 into user memory.
func writeUint64(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr, v uint64) errno.Errno {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return writeBuf(alloc, space, addr, buf)
}

// readArgv reads a NULL-terminated array of string pointers at addr, then reads each pointed-to
// string, the user-memory mirror of proc.EncodeArgv's layout.
func readArgv(alloc *mem.Allocator, space *mem.AddressSpace, addr mem.VirtAddr) ([]string, errno.Errno) {
	var argv []string

	for i := 0; ; i++ {
		ptr, errn := readUint64(alloc, space, addr+mem.VirtAddr(i*8))
		if errn != errno.NONE {
			return nil, errn
		}

		if ptr == 0 {
			return argv, errno.NONE
		}

		s, errn := readString(alloc, space, mem.VirtAddr(ptr), MaxPathLen)
		if errn != errno.NONE {
			return nil, errn
		}

		argv = append(argv, s)

		if len(argv) > 256 {
			return nil, errno.EINVAL
		}
	}
}
