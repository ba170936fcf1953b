package proc

import (
	"bytes"
	"encoding/binary"

	"github.com/keel-os/keel/internal/errno"
)

// MaxArgvBytes bounds the contiguous argv buffer spawn() builds, per spec.md §4.9's "bounded
// length" requirement.
const MaxArgvBytes = 4096

// EncodeArgv lays out argv the way spec.md §4.9 describes: a pointer table (one offset per
// argument plus a trailing null terminator) followed immediately by the NUL-terminated argument
// strings themselves, `[ptr1 ptr2 .. null][str1\0 str2\0 ..]`. Offsets are relative to the start
// of the returned buffer rather than real virtual addresses — internal/loader relocates them by
// adding the buffer's base address once it copies this into a process's mapped argv page, since
// argv encoding has no reason to know where it will eventually live.
func EncodeArgv(argv []string) ([]byte, error) {
	ptrTableSize := (len(argv) + 1) * 8

	var strs bytes.Buffer

	offsets := make([]uint64, len(argv))

	for i, a := range argv {
		offsets[i] = uint64(ptrTableSize + strs.Len())

		strs.WriteString(a)
		strs.WriteByte(0)
	}

	total := ptrTableSize + strs.Len()
	if total > MaxArgvBytes {
		return nil, errno.EINVAL
	}

	buf := make([]byte, total)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(buf[i*8:], off)
	}

	binary.LittleEndian.PutUint64(buf[len(argv)*8:], 0)
	copy(buf[ptrTableSize:], strs.Bytes())

	return buf, nil
}

// DecodeArgv reverses EncodeArgv, used by tests and by any code that wants to inspect a process's
// argv without re-parsing pointer arithmetic by hand.
func DecodeArgv(buf []byte) ([]string, error) {
	var argv []string

	for i := 0; ; i++ {
		off := i * 8
		if off+8 > len(buf) {
			return nil, errno.EFAULT
		}

		ptr := binary.LittleEndian.Uint64(buf[off:])
		if ptr == 0 {
			break
		}

		if int(ptr) >= len(buf) {
			return nil, errno.EFAULT
		}

		end := bytes.IndexByte(buf[ptr:], 0)
		if end < 0 {
			return nil, errno.EFAULT
		}

		argv = append(argv, string(buf[ptr:int(ptr)+end]))
	}

	return argv, nil
}
