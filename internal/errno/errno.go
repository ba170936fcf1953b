// Package errno defines the kernel's closed error-number space and the wait/completion status
// codes that travel alongside it. Every kernel entry point that can fail returns one of these
// values instead of an open-ended error type, mirroring the syscall ABI's "ERR sentinel plus
// thread-local errno" convention (spec.md §6.1, §7).
package errno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX-shaped error number. The low range mirrors real POSIX numbering (borrowed from
// golang.org/x/sys/unix, which the teacher already depended on for its TTY console) so that
// userland code written against ordinary errno tables works unmodified; local extensions are
// allocated above 1<<16 where no POSIX number exists.
type Errno uint32

// POSIX subset, seeded from golang.org/x/sys/unix so numeric values match a real libc.
const (
	NONE    Errno = 0
	EPERM   Errno = Errno(unix.EPERM)
	ENOENT  Errno = Errno(unix.ENOENT)
	EIO     Errno = Errno(unix.EIO)
	EBADF   Errno = Errno(unix.EBADF)
	EAGAIN  Errno = Errno(unix.EAGAIN)
	ENOMEM  Errno = Errno(unix.ENOMEM)
	EACCES  Errno = Errno(unix.EACCES)
	EFAULT  Errno = Errno(unix.EFAULT)
	EBUSY   Errno = Errno(unix.EBUSY)
	EEXIST  Errno = Errno(unix.EEXIST)
	ENOTDIR Errno = Errno(unix.ENOTDIR)
	EISDIR  Errno = Errno(unix.EISDIR)
	EINVAL  Errno = Errno(unix.EINVAL)
	EMFILE  Errno = Errno(unix.EMFILE)
	ENOSPC  Errno = Errno(unix.ENOSPC)
	ESPIPE  Errno = Errno(unix.ESPIPE)
	ERANGE  Errno = Errno(unix.ERANGE)
	ENOSYS  Errno = Errno(unix.ENOSYS)
	ENOTSUP Errno = Errno(unix.ENOTSUP)
	ECANCELED Errno = Errno(unix.ECANCELED)
	ETIMEDOUT Errno = Errno(unix.ETIMEDOUT)
)

// Local extensions. Allocated well above the POSIX range (1<<16) so they can never collide with a
// number libc defines, per spec.md §7.
const (
	localBase Errno = 1 << 16

	EBADPATH     Errno = localBase + iota // malformed or disallowed path syntax
	EBADFLAG                              // unrecognized flag bits in a request
	EUNKNOWNCTL                           // unrecognized ioctl/ctl request
	ESPAWNFAIL                            // spawn could not create a process
	ENOLABEL                              // no volume is mounted under that label
	EDISCONNECTED                         // the peer end of a pipe/stream has gone away
	EIMPL                                 // recognized but intentionally unimplemented (net_announce/net_dial)
	EREQ                                  // malformed request (bad fd, bad address) at a syscall boundary
)

var names = map[Errno]string{
	NONE: "NONE", EPERM: "EPERM", ENOENT: "ENOENT", EIO: "EIO", EBADF: "EBADF",
	EAGAIN: "EAGAIN", ENOMEM: "ENOMEM", EACCES: "EACCES", EFAULT: "EFAULT",
	EBUSY: "EBUSY", EEXIST: "EEXIST", ENOTDIR: "ENOTDIR", EISDIR: "EISDIR",
	EINVAL: "EINVAL", EMFILE: "EMFILE", ENOSPC: "ENOSPC", ESPIPE: "ESPIPE",
	ERANGE: "ERANGE", ENOSYS: "ENOSYS", ENOTSUP: "ENOTSUP",
	ECANCELED: "ECANCELED", ETIMEDOUT: "ETIMEDOUT",
	EBADPATH: "EBADPATH", EBADFLAG: "EBADFLAG", EUNKNOWNCTL: "EUNKNOWNCTL",
	ESPAWNFAIL: "ESPAWNFAIL", ENOLABEL: "ENOLABEL", EDISCONNECTED: "EDISCONNECTED",
	EIMPL: "EIMPL", EREQ: "EREQ",
}

func (e Errno) String() string {
	if name, ok := names[e]; ok {
		return name
	}

	return fmt.Sprintf("ERRNO(%d)", uint32(e))
}

// Error implements error so an Errno can be returned and wrapped like any other Go error.
func (e Errno) Error() string { return e.String() }

// Is lets errors.Is(err, errno.EBADF) match a wrapped Errno.
func (e Errno) Is(target error) bool {
	other, ok := target.(Errno)
	return ok && other == e
}

// Status is the result of a wait operation or an I/O ring completion — distinct from Errno, per
// spec.md §4.4 ("Wait results are distinct from errno").
type Status int

const (
	NORM Status = iota
	TIMEOUT
	DEAD
	ERROR
)

func (s Status) String() string {
	switch s {
	case NORM:
		return "NORM"
	case TIMEOUT:
		return "TIMEOUT"
	case DEAD:
		return "DEAD"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// CQEStatus packs an Errno into the CQE's unified status_t (spec.md §4.8). OK is zero so a
// successful completion's status field is the zero value, matching the ABI's ERR=~0 convention in
// reverse: success reads as a plain, unremarkable zero.
type CQEStatus uint32

const OK CQEStatus = 0

// FromErrno converts an Errno into the unified CQE status code.
func FromErrno(e Errno) CQEStatus {
	if e == NONE {
		return OK
	}

	return CQEStatus(e)
}

// Errno recovers the Errno carried by a CQE status, or NONE if the completion succeeded.
func (s CQEStatus) Errno() Errno {
	return Errno(s)
}
