package vfs

import (
	deadlock "github.com/sasha-s/go-deadlock"
)

// Context is a process's per-process VFS state: its current working path and its fd table,
// per spec.md §4.7.
type Context struct {
	registry *Registry

	mu  deadlock.Mutex
	cwd Path

	Fds *FdTable
}

// NewContext creates a VFS context rooted at the given volume label, with an empty fd table.
func NewContext(registry *Registry, rootVolume string) *Context {
	return &Context{
		registry: registry,
		cwd:      Path{Volume: rootVolume},
		Fds:      NewFdTable(),
	}
}

// Open resolves raw against the context's cwd and installs the result into the fd table.
func (c *Context) Open(raw string, flags int) (int, error) {
	c.mu.Lock()
	cwd := c.cwd
	c.mu.Unlock()

	f, err := c.registry.Open(raw, cwd, flags)
	if err != nil {
		return -1, err
	}

	fd, err := c.Fds.Install(f)
	if err != nil {
		f.Deref()
		return -1, err
	}

	return fd, nil
}

// Chdir updates the context's cwd to the resolved path. It only parses the path; it does not
// check that anything exists there.
func (c *Context) Chdir(raw string) error {
	c.mu.Lock()
	cwd := c.cwd
	c.mu.Unlock()

	p, err := ParsePath(raw, cwd)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cwd = p
	c.mu.Unlock()

	return nil
}

// Realpath renders raw resolved against cwd into its canonical string form.
func (c *Context) Realpath(raw string) (string, error) {
	c.mu.Lock()
	cwd := c.cwd
	c.mu.Unlock()

	p, err := ParsePath(raw, cwd)
	if err != nil {
		return "", err
	}

	return p.String(), nil
}

// Cwd returns the context's current working path.
func (c *Context) Cwd() Path {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cwd
}
