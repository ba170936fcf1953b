package syscall

import (
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
)

func init() {
	register(Share, share)
	register(Claim, claim)
}

// share hands fd over to whoever claims the key this call generates and writes back to the
// caller, matching share(key_t* key, fd_t fd, clock_t timeout)'s out-parameter convention
// (include/libstd/sys/io.h): the kernel picks the key, not the caller.
func share(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := p.Vfs.Fds.Get(int(a[1]))
	if err != nil {
		return 0, toErrno(err)
	}

	key := d.nextShareKey.Add(1)

	d.Shares.Share(key, f)

	if errn := writeUint64(d.Alloc, p.Space, mem.VirtAddr(a[0]), key); errn != errno.NONE {
		return 0, errn
	}

	return 0, errno.NONE
}

// claim blocks until key is shared, then installs the shared file into the caller's fd table.
// claim(key_t* key) has no timeout in the original ABI; 0 here means wait forever.
func claim(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	key, errn := readUint64(d.Alloc, p.Space, mem.VirtAddr(a[0]))
	if errn != errno.NONE {
		return 0, errn
	}

	f, err := d.Shares.Claim(t, key, 0)
	if err != nil {
		return 0, toErrno(err)
	}

	fd, err := p.Vfs.Fds.Install(f)
	if err != nil {
		return 0, toErrno(err)
	}

	return uint64(fd), errno.NONE
}
