// Package sysfs implements the in-memory object tree mounted at a well-known label (conventionally
// "sys"): /stat/cpu/<n> status files with a writable ctl sibling, and /proc/<pid> status files
// resolved dynamically against a live process table. It generalizes the teacher's Driver/
// DeviceReader/DeviceWriter optional-interface dispatch (internal/vm/devices.go) from "one of a
// handful of fixed MMIO devices" to "a tree of named kernel objects, some static, some resolved on
// the fly", per the ctl convention supplemented from original_source/src/kernel/ctl.c.
package sysfs

import (
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// Node is one entry in the tree: a directory (children non-nil) or a leaf backed by up to three
// optional operations, mirroring the teacher's "driver implements whichever of DeviceReader/
// DeviceWriter it supports" idiom.
type Node struct {
	name string

	mu       deadlock.Mutex
	children map[string]*Node

	read  func() ([]byte, error)
	write func([]byte) error
	ioctl func(request uint32, arg []byte) error
}

func newDir(name string) *Node {
	return &Node{name: name, children: make(map[string]*Node)}
}

func (n *Node) isDir() bool { return n.children != nil }

func (n *Node) child(name string) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.children[name]

	return c, ok
}

func (n *Node) addChild(c *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.children[c.name] = c
}

func (n *Node) dir(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.children[name]
	if !ok {
		c = newDir(name)
		n.children[name] = c
	}

	return c
}

// Resolver produces a node for the remainder of a path under a registered prefix, used for
// objects that come and go (live processes) rather than ones fixed at tree-construction time.
type Resolver func(rest []string) (*Node, bool)

type prefixResolver struct {
	prefix  []string
	resolve Resolver
}

// Tree is a sysfs mount: a static node tree plus a set of dynamic prefix resolvers, implementing
// vfs.Volume so it can be mounted into a vfs.Registry like any other volume.
type Tree struct {
	label string
	root  *Node

	mu        deadlock.Mutex
	resolvers []prefixResolver
}

// New creates an empty sysfs tree mounted under label.
func New(label string) *Tree {
	return &Tree{label: label, root: newDir("")}
}

// Label implements vfs.Volume.
func (t *Tree) Label() string { return t.label }

// AddFile creates (or replaces) a leaf node at path, creating intermediate directories as needed.
// Any of read, write, ioctl may be nil, meaning that operation is unsupported on this node.
func (t *Tree) AddFile(path []string, read func() ([]byte, error), write func([]byte) error, ioctl func(uint32, []byte) error) {
	cur := t.root
	for _, seg := range path[:len(path)-1] {
		cur = cur.dir(seg)
	}

	leaf := &Node{name: path[len(path)-1], read: read, write: write, ioctl: ioctl}
	cur.addChild(leaf)
}

// AddResolver registers a dynamic node provider for any path beginning with prefix. Resolvers are
// tried in registration order after the static tree fails to match, so a statically added file
// always shadows a resolver with an overlapping prefix.
func (t *Tree) AddResolver(prefix []string, resolve Resolver) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolvers = append(t.resolvers, prefixResolver{prefix: append([]string(nil), prefix...), resolve: resolve})
}

func (t *Tree) lookup(tail []string) *Node {
	cur := t.root
	ok := true

	for _, seg := range tail {
		c, found := cur.child(seg)
		if !found {
			ok = false
			break
		}

		cur = c
	}

	if ok {
		return cur
	}

	t.mu.Lock()
	resolvers := append([]prefixResolver(nil), t.resolvers...)
	t.mu.Unlock()

	for _, r := range resolvers {
		if len(tail) < len(r.prefix) {
			continue
		}

		matches := true

		for i, seg := range r.prefix {
			if tail[i] != seg {
				matches = false
				break
			}
		}

		if !matches {
			continue
		}

		if node, ok := r.resolve(tail[len(r.prefix):]); ok {
			return node
		}
	}

	return nil
}

// Open implements vfs.Volume. sysfs ignores create/trunc flags: every node it ever serves either
// already exists (static) or is synthesized on demand (resolver); there is nothing for a caller to
// create.
func (t *Tree) Open(tail []string, flags int) (*vfs.Ops, any, error) {
	node := t.lookup(tail)
	if node == nil {
		return nil, nil, errno.ENOENT
	}

	if node.isDir() {
		return nil, nil, errno.EISDIR
	}

	ops := &vfs.Ops{Close: func(any) error { return nil }}

	if node.read != nil {
		ops.Read = func(_ any, buf []byte, offset int64) (int, error) {
			content, err := node.read()
			if err != nil {
				return 0, err
			}

			if offset >= int64(len(content)) {
				return 0, nil
			}

			return copy(buf, content[offset:]), nil
		}
	}

	if node.write != nil {
		ops.Write = func(_ any, buf []byte, _ int64) (int, error) {
			if err := node.write(buf); err != nil {
				return 0, err
			}

			return len(buf), nil
		}
	}

	if node.ioctl != nil {
		ops.Ioctl = func(_ any, request uint32, arg []byte) error {
			return node.ioctl(request, arg)
		}
	}

	ops.Poll = func(_ any, events vfs.PollEvents) (*wait.WaitQueue, vfs.PollEvents) {
		return nil, events & (vfs.PollIn | vfs.PollOut)
	}

	return ops, nil, nil
}
