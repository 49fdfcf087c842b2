// Package fsutil wraps the directory-relative filesystem primitives the
// message state machine depends on: openat/mkdirat/renameat/linkat/
// futimens/flock. All operations resolve relative to a directory file
// descriptor so that a renamed or replaced path component can never be
// reinterpreted mid-operation, and every acquired fd carries its own
// close discipline.
package fsutil

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// DirMode is the permission bits used for message directories created by
// this daemon; combined with a process-wide umask of 0077 this yields
// owner-only directories regardless of callers passing a looser mode.
const DirMode = 0777

// FileMode is the permission bits used for slot files.
const FileMode = 0666

// Dir is an open directory, addressed by file descriptor. All path
// arguments to its methods are resolved relative to this descriptor via
// the *at() syscall family, never by string concatenation against a
// potentially-stale absolute path.
type Dir struct {
	fd   int
	path string // for diagnostics only
}

// Open opens path as a directory capability.
func Open(path string) (*Dir, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Dir{fd: fd, path: path}, nil
}

// Fd returns the underlying file descriptor. Callers must not close it
// directly; use Close.
func (d *Dir) Fd() int { return d.fd }

// Path returns the path this Dir was opened from, for logging only.
func (d *Dir) Path() string { return d.path }

// Close closes the directory descriptor. Any advisory lock held via
// TryLock is released as a side effect, per flock(2) semantics.
func (d *Dir) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Mkdir creates a subdirectory by name. A pre-existing directory of the
// same name is tolerated (recovery from a crashed prior attempt), any
// other error is returned.
func (d *Dir) Mkdir(name string) error {
	err := unix.Mkdirat(d.fd, name, DirMode)
	if err != nil && err != unix.EEXIST {
		return &os.PathError{Op: "mkdirat", Path: d.sub(name), Err: err}
	}
	return nil
}

// OpenDir opens a subdirectory by name as a new capability.
func (d *Dir) OpenDir(name string) (*Dir, error) {
	fd, err := unix.Openat(d.fd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: d.sub(name), Err: err}
	}
	return &Dir{fd: fd, path: d.sub(name)}, nil
}

// Rename renames oldname to newname within this directory.
func (d *Dir) Rename(oldname, newname string) error {
	if err := unix.Renameat(d.fd, oldname, d.fd, newname); err != nil {
		return &os.LinkError{Op: "renameat", Old: d.sub(oldname), New: d.sub(newname), Err: err}
	}
	return nil
}

// Link creates newname as a hard link to oldname within this directory.
// If newname already exists, Link returns ErrExist (callers that treat
// "already requested" as a no-op should check os.IsExist).
func (d *Dir) Link(oldname, newname string) error {
	if err := unix.Linkat(d.fd, oldname, d.fd, newname, 0); err != nil {
		return &os.LinkError{Op: "linkat", Old: d.sub(oldname), New: d.sub(newname), Err: err}
	}
	return nil
}

// Exists reports whether name exists in this directory.
func (d *Dir) Exists(name string) bool {
	return unix.Faccessat(d.fd, name, unix.F_OK, 0) == nil
}

// CreateEmpty creates name as an empty file, truncating it if it already
// exists. Used for sentinel files whose presence alone is meaningful.
func (d *Dir) CreateEmpty(name string) error {
	fd, err := unix.Openat(d.fd, name, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, FileMode)
	if err != nil {
		return &os.PathError{Op: "openat", Path: d.sub(name), Err: err}
	}
	if err := unix.Close(fd); err != nil {
		return &os.PathError{Op: "close", Path: d.sub(name), Err: err}
	}
	return nil
}

// WriteLine creates-or-truncates name and writes line followed by a
// single newline. Any error, including a short write, is returned: a
// partial write must never be mistaken for a committed value.
func (d *Dir) WriteLine(name, line string) error {
	fd, err := unix.Openat(d.fd, name, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, FileMode)
	if err != nil {
		return &os.PathError{Op: "openat", Path: d.sub(name), Err: err}
	}
	f := os.NewFile(uintptr(fd), d.sub(name))
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write %s: %w", d.sub(name), err)
	}
	return nil
}

// maxLineLen bounds ReadLine buffers; callers supply a tighter max based
// on the expected slot content (e.g. validate.MACLength).
const maxLineLen = 512

// ReadLine opens name, reads a line of at most max bytes (not counting
// its trailing newline), and requires EOF
// immediately after — a line longer than max, or a file with trailing
// garbage after the first newline, is rejected rather than silently
// truncated. The trailing newline is stripped from the result.
func (d *Dir) ReadLine(name string, max int) (string, error) {
	if max <= 0 || max > maxLineLen {
		max = maxLineLen
	}

	fd, err := unix.Openat(d.fd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", &os.PathError{Op: "openat", Path: d.sub(name), Err: err}
	}
	f := os.NewFile(uintptr(fd), d.sub(name))
	defer f.Close()

	buf := make([]byte, max+1)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read %s: %w", d.sub(name), err)
	}

	// Require EOF right after: one more read must return 0, io.EOF.
	extra := make([]byte, 1)
	if m, _ := f.Read(extra); m != 0 {
		return "", fmt.Errorf("read %s: line exceeds limit", d.sub(name))
	}

	s := string(buf[:n])
	if len(s) == 0 || s[len(s)-1] != '\n' {
		return "", fmt.Errorf("read %s: missing trailing newline", d.sub(name))
	}
	if strings.IndexByte(s, '\n') != len(s)-1 {
		return "", fmt.Errorf("read %s: data after first line", d.sub(name))
	}
	return s[:len(s)-1], nil
}

// Touch updates this directory's mtime, the mechanism by which a handler
// wakes the watcher once a threshold is crossed that the loop helper must
// act on.
func (d *Dir) Touch() error {
	if err := unix.Futimens(d.fd, nil); err != nil {
		return &os.PathError{Op: "futimens", Path: d.path, Err: err}
	}
	return nil
}

// TryLock attempts to take a non-blocking exclusive advisory lock on
// this directory's fd. A false, nil return means the directory is busy
// (another handler or the loop process holds the lock) — a soft
// condition, not an error. The lock is released when Close is called.
func (d *Dir) TryLock() (bool, error) {
	err := unix.Flock(d.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, &os.PathError{Op: "flock", Path: d.path, Err: err}
}

// Unlock releases this directory's advisory lock without closing the fd.
// snd/rcp rely on this to release the lock before touching the directory
// mtime, so the loop child spawned by the resulting watcher event never
// observes the handler still holding the lock.
func (d *Dir) Unlock() error {
	if err := unix.Flock(d.fd, unix.LOCK_UN); err != nil {
		return &os.PathError{Op: "flock", Path: d.path, Err: err}
	}
	return nil
}

func (d *Dir) sub(name string) string {
	if d.path == "" {
		return name
	}
	return d.path + "/" + name
}
