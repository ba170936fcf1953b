// Package vfs implements the virtual filesystem layer: volumes identified by a label, paths
// resolved against a process's current-working volume, reference-counted open files dispatched
// through an ops table, and poll built on the wait subsystem. It generalizes the teacher's
// device-driver dispatch (internal/vm/devices.go's Driver/DeviceReader/DeviceWriter optional-
// interface pattern) from "one fixed memory-mapped device register" to "any number of mounted
// volumes, each implementing as much of the Volume interface as it needs to," per spec.md §4.7.
package vfs

import (
	"strings"

	"github.com/keel-os/keel/internal/errno"
)

// Path is a parsed, canonicalized path: an optional volume label and a list of path components.
// An empty Volume means the path was root- or cwd-relative and must be resolved against the
// calling thread's VfsContext.
type Path struct {
	Volume string
	Names  []string
}

const disallowed = "|?<>"

// ParsePath canonicalizes a raw path string against a prior cwd, per spec.md §4.7: it rejects
// the characters in disallowed, expands "." and ".." against cwd, and splits the remainder into
// a list of names. The null-separated, 0x03-terminated wire encoding spec.md describes is an
// on-the-wire detail of the original ABI; this package does not produce that byte layout.
func ParsePath(raw string, cwd Path) (Path, error) {
	for _, r := range raw {
		if strings.ContainsRune(disallowed, r) {
			return Path{}, errno.EBADPATH
		}
	}

	volume := ""
	rest := raw

	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		volume = raw[:idx]
		rest = raw[idx+1:]
	}

	absolute := strings.HasPrefix(rest, "/")

	if volume == "" {
		volume = cwd.Volume
	}

	var names []string
	if !absolute {
		names = append([]string(nil), cwd.Names...)
	}

	for _, part := range strings.Split(rest, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(names) > 0 {
				names = names[:len(names)-1]
			}
		default:
			names = append(names, part)
		}
	}

	return Path{Volume: volume, Names: names}, nil
}

// String renders a Path back into label:/a/b/c form, the canonical form path_init is documented
// to produce (minus the wire encoding's null separators and 0x03 terminator).
func (p Path) String() string {
	var b strings.Builder

	if p.Volume != "" {
		b.WriteString(p.Volume)
		b.WriteByte(':')
	}

	b.WriteByte('/')
	b.WriteString(strings.Join(p.Names, "/"))

	return b.String()
}

// Idempotent reports whether re-parsing p.String() through ParsePath reproduces the same path —
// the canonicalization idempotence property spec.md §8 tests for.
func Idempotent(p Path) bool {
	again, err := ParsePath(p.String(), Path{})
	if err != nil {
		return false
	}

	return again.Volume == p.Volume && namesEqual(again.Names, p.Names)
}

func namesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
