package vfs

import (
	"sync"
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/wait"
)

// Volume is a mounted filesystem, identified by a short label. Implementations provide only the
// operations they support; Open is the one required method, matching spec.md §4.7's "open
// resolves the volume by label, then calls the volume's own open."
type Volume interface {
	Label() string
	Open(tailPath []string, flags int) (*Ops, any, error)
}

// Volume2 is an optional extension a Volume implements to support open2 (PatchworkOS's
// include/libstd/sys/io.h): a single open call producing two independent file handles instead of
// one, used by /dev/pipe to hand back its read and write ends atomically.
type Volume2 interface {
	Open2(tailPath []string, flags int) (readOps *Ops, readPriv any, writeOps *Ops, writePriv any, err error)
}

// Ops is a file's operation table, dispatched the way the teacher's Driver interface dispatches
// to whichever optional methods a device implements (internal/vm/devices.go). A nil field means
// the operation is unsupported; File dispatch returns EACCES for it, per spec.md §4.7.
type Ops struct {
	Read  func(priv any, buf []byte, offset int64) (int, error)
	Write func(priv any, buf []byte, offset int64) (int, error)
	Poll  func(priv any, events PollEvents) (*wait.WaitQueue, PollEvents)
	Ioctl func(priv any, request uint32, arg []byte) error
	Stat  func(priv any) (Stat, error)
	Close func(priv any) error
}

// InodeKind distinguishes a plain file from a directory in a Stat result, mirroring
// PatchworkOS's inode_type_t (include/libstd/sys/io.h).
type InodeKind uint8

const (
	InodeFile InodeKind = iota
	InodeDir
)

// Stat is the subset of a file's metadata the stat() syscall reports: size and kind. Volumes
// that don't track richer metadata (mtime, link count, ...) than this leave it at the zero
// value; this package never invents values a volume doesn't actually know.
type Stat struct {
	Kind InodeKind
	Size int64
}

// PollEvents is a bitmask of readiness conditions, mirroring POLLIN/POLLOUT-style flags.
type PollEvents uint32

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollErr
	PollHangup
)

// Open flags, passed through Registry.Open to the volume untouched. Volumes that don't support a
// given flag ignore it.
const (
	OpenCreate = 1 << iota
	OpenTrunc
	OpenAppend
)

// File is an open file description: an ops table, the private state the volume attached, and a
// reference count. Reference counting and cleanup run with no lock held, per spec.md §4.7 — the
// refCount itself is what provides safety, not an external mutex.
type File struct {
	ops     *Ops
	priv    any
	volume  Volume
	refs    atomic.Int32
	pos     atomic.Int64
	release func(Volume)
}

func newFile(ops *Ops, priv any, volume Volume, release func(Volume)) *File {
	f := &File{ops: ops, priv: priv, volume: volume, release: release}
	f.refs.Store(1)

	return f
}

// Ref increments the file's reference count, used by dup/dup2 to share one File across fd slots.
func (f *File) Ref() { f.refs.Add(1) }

// Deref decrements the reference count and, on reaching zero, closes the underlying op and
// releases the file's volume reference.
func (f *File) Deref() error {
	if f.refs.Add(-1) > 0 {
		return nil
	}

	var err error
	if f.ops.Close != nil {
		err = f.ops.Close(f.priv)
	}

	if f.release != nil {
		f.release(f.volume)
	}

	return err
}

// Read dispatches to the volume's Read op at the file's current position, advancing it.
func (f *File) Read(buf []byte) (int, error) {
	if f.ops.Read == nil {
		return 0, errno.EACCES
	}

	off := f.pos.Load()

	n, err := f.ops.Read(f.priv, buf, off)
	if n > 0 {
		f.pos.Add(int64(n))
	}

	return n, err
}

// Write dispatches to the volume's Write op at the file's current position, advancing it.
func (f *File) Write(buf []byte) (int, error) {
	if f.ops.Write == nil {
		return 0, errno.EACCES
	}

	off := f.pos.Load()

	n, err := f.ops.Write(f.priv, buf, off)
	if n > 0 {
		f.pos.Add(int64(n))
	}

	return n, err
}

// Seek whence values, matching io.Seek*; SeekEnd is not supported since Ops carries no generic
// way to learn a volume's size, per spec.md §6.1's seek(fd, off, whence) leaving that case to the
// volume's own semantics.
const (
	SeekStart = 0
	SeekCur   = 1
)

// Seek repositions the file's cursor and returns its new absolute offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case SeekStart:
		if offset < 0 {
			return 0, errno.EINVAL
		}

		f.pos.Store(offset)
	case SeekCur:
		next := f.pos.Add(offset)
		if next < 0 {
			f.pos.Add(-offset)
			return 0, errno.EINVAL
		}
	default:
		return 0, errno.EINVAL
	}

	return f.pos.Load(), nil
}

// ReadAt and WriteAt bypass the file's cursor, used by the I/O ring's explicit-offset ops.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	if f.ops.Read == nil {
		return 0, errno.EACCES
	}

	return f.ops.Read(f.priv, buf, offset)
}

func (f *File) WriteAt(buf []byte, offset int64) (int, error) {
	if f.ops.Write == nil {
		return 0, errno.EACCES
	}

	return f.ops.Write(f.priv, buf, offset)
}

// Poll dispatches to the volume's Poll op, returning a wait queue to block on plus whichever of
// the requested events are already ready.
func (f *File) Poll(events PollEvents) (*wait.WaitQueue, PollEvents, error) {
	if f.ops.Poll == nil {
		return nil, 0, errno.EACCES
	}

	q, ready := f.ops.Poll(f.priv, events)

	return q, ready, nil
}

// Stat dispatches to the volume's Stat op.
func (f *File) Stat() (Stat, error) {
	if f.ops.Stat == nil {
		return Stat{}, errno.EACCES
	}

	return f.ops.Stat(f.priv)
}

// Ioctl dispatches a control request.
func (f *File) Ioctl(request uint32, arg []byte) error {
	if f.ops.Ioctl == nil {
		return errno.EACCES
	}

	return f.ops.Ioctl(f.priv, request, arg)
}

// Registry maps volume labels to mounted Volumes.
type Registry struct {
	mu      sync.RWMutex
	volumes map[string]Volume
}

// NewRegistry creates an empty volume registry.
func NewRegistry() *Registry {
	return &Registry{volumes: make(map[string]Volume)}
}

// Mount registers a volume under its own label.
func (r *Registry) Mount(v Volume) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.volumes[v.Label()] = v
}

// Unmount removes a volume from the registry.
func (r *Registry) Unmount(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.volumes, label)
}

// Open resolves path against cwd, looks up its volume, and opens the file, per spec.md §4.7's
// open algorithm.
func (r *Registry) Open(raw string, cwd Path, flags int) (*File, error) {
	p, err := ParsePath(raw, cwd)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	v, ok := r.volumes[p.Volume]
	r.mu.RUnlock()

	if !ok {
		return nil, errno.ENOLABEL
	}

	ops, priv, err := v.Open(p.Names, flags)
	if err != nil {
		return nil, err
	}

	return newFile(ops, priv, v, nil), nil
}

// Open2 resolves raw exactly like Open, then calls the volume's Open2 if it implements Volume2,
// returning two independent files (e.g. a pipe's read and write ends) from one call.
func (r *Registry) Open2(raw string, cwd Path, flags int) (*File, *File, error) {
	p, err := ParsePath(raw, cwd)
	if err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	v, ok := r.volumes[p.Volume]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, errno.ENOLABEL
	}

	v2, ok := v.(Volume2)
	if !ok {
		return nil, nil, errno.ENOTSUP
	}

	rOps, rPriv, wOps, wPriv, err := v2.Open2(p.Names, flags)
	if err != nil {
		return nil, nil, err
	}

	return newFile(rOps, rPriv, v, nil), newFile(wOps, wPriv, v, nil), nil
}

const CONFIG_MAX_FD = 256

// FdTable is a process's open-address array of file descriptors, shared across dup/dup2.
type FdTable struct {
	mu   deadlock.Mutex
	fds  [CONFIG_MAX_FD]*File
}

// NewFdTable creates an empty fd table.
func NewFdTable() *FdTable { return &FdTable{} }

// Install places f in the lowest free slot and returns its fd number.
func (t *FdTable) Install(f *File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, slot := range t.fds {
		if slot == nil {
			t.fds[i] = f
			return i, nil
		}
	}

	return -1, errno.EMFILE
}

// Get returns the file at fd, or EBADF.
func (t *FdTable) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= CONFIG_MAX_FD || t.fds[fd] == nil {
		return nil, errno.EBADF
	}

	return t.fds[fd], nil
}

// Close derefs and clears fd.
func (t *FdTable) Close(fd int) error {
	t.mu.Lock()
	f := (*File)(nil)

	if fd >= 0 && fd < CONFIG_MAX_FD {
		f = t.fds[fd]
		t.fds[fd] = nil
	}

	t.mu.Unlock()

	if f == nil {
		return errno.EBADF
	}

	return f.Deref()
}

// Dup duplicates oldfd into the lowest free slot, sharing the same File.
func (t *FdTable) Dup(oldfd int) (int, error) {
	f, err := t.Get(oldfd)
	if err != nil {
		return -1, err
	}

	f.Ref()

	fd, err := t.Install(f)
	if err != nil {
		f.Deref()
		return -1, err
	}

	return fd, nil
}

// Dup2 duplicates oldfd into newfd specifically, closing whatever newfd previously held.
func (t *FdTable) Dup2(oldfd, newfd int) error {
	f, err := t.Get(oldfd)
	if err != nil {
		return err
	}

	if newfd < 0 || newfd >= CONFIG_MAX_FD {
		return errno.EBADF
	}

	f.Ref()

	t.mu.Lock()
	old := t.fds[newfd]
	t.fds[newfd] = f
	t.mu.Unlock()

	if old != nil {
		old.Deref()
	}

	return nil
}
