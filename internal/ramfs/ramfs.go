// Package ramfs implements the root in-memory filesystem volume spec.md §1 calls for: the
// bootloader hands the kernel a root tree with no bytes ever touching disk. It backs that tree
// with a real embedded KV engine (badger, opened in-memory) rather than a hand-rolled map, the
// same way the teacher's internal/vm/devices.go backs a Device with whatever storage the device
// needs rather than inlining byte slices into the Driver interface itself.
package ramfs

import (
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// Volume is a flat, label-addressed in-memory filesystem: every open tail path is a key into a
// single badger keyspace, joined with "/". There is no separate directory structure, matching
// spec.md's "minimal in-memory filesystem" scope.
type Volume struct {
	label string
	db    *badger.DB
}

// New opens an empty in-memory ramfs volume under label.
func New(label string) (*Volume, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Volume{label: label, db: db}, nil
}

// Label implements vfs.Volume.
func (v *Volume) Label() string { return v.label }

// Close releases the underlying badger instance.
func (v *Volume) Close() error { return v.db.Close() }

func key(tail []string) []byte {
	return []byte(strings.Join(tail, "/"))
}

// Open implements vfs.Volume. With vfs.OpenCreate, a missing key is created empty; without it, a
// missing key is ENOENT. vfs.OpenTrunc clears an existing key's content.
func (v *Volume) Open(tail []string, flags int) (*vfs.Ops, any, error) {
	k := key(tail)

	exists, err := v.exists(k)
	if err != nil {
		return nil, nil, errno.EIO
	}

	switch {
	case !exists && flags&vfs.OpenCreate == 0:
		return nil, nil, errno.ENOENT
	case !exists:
		if err := v.put(k, nil); err != nil {
			return nil, nil, errno.EIO
		}
	case flags&vfs.OpenTrunc != 0:
		if err := v.put(k, nil); err != nil {
			return nil, nil, errno.EIO
		}
	}

	h := &handle{db: v.db, key: k}

	ops := &vfs.Ops{
		Read:  h.read,
		Write: h.write,
		Poll:  h.poll,
		Stat:  h.stat,
		Close: func(any) error { return nil },
	}

	return ops, h, nil
}

func (v *Volume) exists(k []byte) (bool, error) {
	err := v.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		return err
	})

	switch {
	case err == nil:
		return true, nil
	case err == badger.ErrKeyNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (v *Volume) put(k, val []byte) error {
	return v.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

// handle is the per-open-file private state: just the badger key, since content always lives in
// the db rather than a copy held by the handle.
type handle struct {
	db  *badger.DB
	key []byte
}

func (h *handle) read(_ any, buf []byte, offset int64) (int, error) {
	var n int

	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(h.key)
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if offset >= int64(len(val)) {
				return nil
			}

			n = copy(buf, val[offset:])

			return nil
		})
	})
	if err != nil {
		return 0, errno.EIO
	}

	return n, nil
}

func (h *handle) write(_ any, buf []byte, offset int64) (int, error) {
	err := h.db.Update(func(txn *badger.Txn) error {
		var existing []byte

		item, err := txn.Get(h.key)
		switch {
		case err == nil:
			existing, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		case err == badger.ErrKeyNotFound:
		default:
			return err
		}

		end := offset + int64(len(buf))
		if end > int64(len(existing)) {
			grown := make([]byte, end)
			copy(grown, existing)
			existing = grown
		}

		copy(existing[offset:], buf)

		return txn.Set(h.key, existing)
	})
	if err != nil {
		return 0, errno.EIO
	}

	return len(buf), nil
}

// poll reports a ramfs file as always readable and writable: content lives entirely in-memory in
// badger, so there is never a reason to block on it.
func (h *handle) poll(_ any, events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) {
	return nil, events & (vfs.PollIn | vfs.PollOut)
}

// stat reports the entry's size as the badger value's length. ramfs has no subdirectories, so
// every entry it opens is a plain file.
func (h *handle) stat(_ any) (vfs.Stat, error) {
	var size int64

	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(h.key)
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}

		size = item.ValueSize()

		return nil
	})
	if err != nil {
		return vfs.Stat{}, errno.EIO
	}

	return vfs.Stat{Kind: vfs.InodeFile, Size: size}, nil
}
