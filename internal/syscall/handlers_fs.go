package syscall

import (
	"encoding/binary"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/loader"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/sched"
)

func init() {
	register(Open, open)
	register(Close, closeFd)
	register(Read, read)
	register(Write, write)
	register(Seek, seek)
	register(Ioctl, ioctlOrdinal)
	register(Realpath, realpath)
	register(Chdir, chdir)
	register(Stat, statOrdinal)
}

func open(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	path, errn := readString(d.Alloc, p.Space, mem.VirtAddr(a[0]), MaxPathLen)
	if errn != errno.NONE {
		return 0, errn
	}

	fd, err := p.Vfs.Open(path, int(a[1]))
	if err != nil {
		return 0, toErrno(err)
	}

	return uint64(fd), errno.NONE
}

func closeFd(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	if err := p.Vfs.Fds.Close(int(a[0])); err != nil {
		return 0, toErrno(err)
	}

	return 0, errno.NONE
}

func read(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := p.Vfs.Fds.Get(int(a[0]))
	if err != nil {
		return 0, toErrno(err)
	}

	n := int(a[2])
	if n < 0 || n > MaxCopyBytes {
		return 0, errno.EINVAL
	}

	buf := make([]byte, n)

	read, err := f.Read(buf)
	if err != nil {
		return 0, toErrno(err)
	}

	if errn := writeBuf(d.Alloc, p.Space, mem.VirtAddr(a[1]), buf[:read]); errn != errno.NONE {
		return 0, errn
	}

	return uint64(read), errno.NONE
}

func write(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := p.Vfs.Fds.Get(int(a[0]))
	if err != nil {
		return 0, toErrno(err)
	}

	buf, errn := readBuf(d.Alloc, p.Space, mem.VirtAddr(a[1]), int(a[2]))
	if errn != errno.NONE {
		return 0, errn
	}

	written, err := f.Write(buf)
	if err != nil {
		return 0, toErrno(err)
	}

	return uint64(written), errno.NONE
}

func seek(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := p.Vfs.Fds.Get(int(a[0]))
	if err != nil {
		return 0, toErrno(err)
	}

	pos, err := f.Seek(int64(a[1]), int(a[2]))
	if err != nil {
		return 0, toErrno(err)
	}

	return uint64(pos), errno.NONE
}

// ioctlOrdinal copies the request buffer in, runs the request, then copies the (possibly
// modified) buffer back out, matching ioctl's in/out argument convention (include/libstd/sys/io.h).
func ioctlOrdinal(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := p.Vfs.Fds.Get(int(a[0]))
	if err != nil {
		return 0, toErrno(err)
	}

	size := int(a[3])

	arg, errn := readBuf(d.Alloc, p.Space, mem.VirtAddr(a[2]), size)
	if errn != errno.NONE {
		return 0, errn
	}

	if err := f.Ioctl(uint32(a[1]), arg); err != nil {
		return 0, toErrno(err)
	}

	if errn := writeBuf(d.Alloc, p.Space, mem.VirtAddr(a[2]), arg); errn != errno.NONE {
		return 0, errn
	}

	return 0, errno.NONE
}

func realpath(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	path, errn := readString(d.Alloc, p.Space, mem.VirtAddr(a[1]), MaxPathLen)
	if errn != errno.NONE {
		return 0, errn
	}

	resolved, err := p.Vfs.Realpath(path)
	if err != nil {
		return 0, toErrno(err)
	}

	if errn := writeString(d.Alloc, p.Space, mem.VirtAddr(a[0]), resolved, MaxPathLen); errn != errno.NONE {
		return 0, errn
	}

	return uint64(len(resolved)), errno.NONE
}

func chdir(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	path, errn := readString(d.Alloc, p.Space, mem.VirtAddr(a[0]), MaxPathLen)
	if errn != errno.NONE {
		return 0, errn
	}

	if err := p.Vfs.Chdir(path); err != nil {
		return 0, toErrno(err)
	}

	return 0, errno.NONE
}

// statLayout is the wire layout stat(path, &stat) copies out: kind, then size, 9 bytes total.
// Real stat_t (include/libstd/sys/io.h) carries inode number, timestamps and a name field this
// kernel's volumes don't track; this is the subset vfs.Stat actually knows.
const statLayout = 9

func statOrdinal(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	path, errn := readString(d.Alloc, p.Space, mem.VirtAddr(a[0]), MaxPathLen)
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := d.Volumes.Open(path, p.Vfs.Cwd(), 0)
	if err != nil {
		return 0, toErrno(err)
	}
	defer f.Deref()

	st, err := f.Stat()
	if err != nil {
		return 0, toErrno(err)
	}

	buf := make([]byte, statLayout)
	buf[0] = byte(st.Kind)
	binary.LittleEndian.PutUint64(buf[1:], uint64(st.Size))

	if errn := writeBuf(d.Alloc, p.Space, mem.VirtAddr(a[1]), buf); errn != errno.NONE {
		return 0, errn
	}

	return 0, errno.NONE
}

// toErrno recovers the Errno a kernel package returned as a plain error, defaulting to EIO for
// anything that isn't already one (every package in this kernel only ever returns errno.Errno,
// but toErrno stays defensive at this one true API boundary between "kernel code" and "what
// crosses back into userland").
func toErrno(err error) errno.Errno {
	if e, ok := err.(errno.Errno); ok {
		return e
	}

	return errno.EIO
}

// readFileFully reads path's entire contents through p's VFS context, bounded by MaxCopyBytes,
// used by spawn() to pull in the bytes internal/loader maps as the child's program image.
func readFileFully(p *proc.Process, path string) ([]byte, errno.Errno) {
	fd, err := p.Vfs.Open(path, 0)
	if err != nil {
		return nil, toErrno(err)
	}
	defer p.Vfs.Fds.Close(fd)

	f, err := p.Vfs.Fds.Get(fd)
	if err != nil {
		return nil, toErrno(err)
	}

	var out []byte

	chunk := make([]byte, 4096)

	for {
		n, err := f.Read(chunk)
		if err != nil {
			return nil, toErrno(err)
		}

		if n == 0 {
			break
		}

		out = append(out, chunk[:n]...)

		if len(out) > MaxCopyBytes {
			return nil, errno.ENOMEM
		}
	}

	return out, errno.NONE
}

func loaderSegment(image []byte) loader.Segment {
	return loader.Segment{Data: image, Flags: mem.Write | mem.User}
}
