package system

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileInfo is the observed state of a path.
type FileInfo struct {
	Path      string
	Size      int64
	Mode      os.FileMode
	IsDir     bool
	IsSymlink bool
	UID       int
	GID       int
}

// Perm returns the permission bits.
func (i *FileInfo) Perm() os.FileMode {
	return i.Mode.Perm()
}

// FileSystem provides the file operations providers need. All paths are
// absolute host paths.
type FileSystem interface {
	// Lstat returns nil and no error when the path does not exist.
	Lstat(path string) (*FileInfo, error)
	ReadFile(path string) ([]byte, error)
	// WriteFile replaces the file atomically.
	WriteFile(path string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Chmod(path string, perm os.FileMode) error
	Chown(path string, uid, gid int) error
	Chtimes(path string, atime, mtime time.Time) error
	Readlink(path string) (string, error)
	Symlink(target, link string) error
	// Resolve maps a host path to the path on the real filesystem.
	Resolve(path string) string
}

// OSFileSystem implements FileSystem on the local disk, optionally below a
// root directory.
type OSFileSystem struct {
	root string
}

// NewOSFileSystem creates a filesystem rooted at root. An empty root or "/"
// means the real root.
func NewOSFileSystem(root string) *OSFileSystem {
	if root == "/" {
		root = ""
	}
	return &OSFileSystem{root: filepath.Clean(root)}
}

// Root returns the configured root, or "/" when unset.
func (o *OSFileSystem) Root() string {
	if o.root == "" || o.root == "." {
		return "/"
	}
	return o.root
}

// Resolve prefixes path with the root.
func (o *OSFileSystem) Resolve(path string) string {
	if o.root == "" || o.root == "." {
		return filepath.Clean(path)
	}
	return filepath.Join(o.root, filepath.Clean("/"+path))
}

// Lstat returns the state of path without following symlinks.
func (o *OSFileSystem) Lstat(path string) (*FileInfo, error) {
	info, err := os.Lstat(o.Resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Path:      path,
		Size:      info.Size(),
		Mode:      info.Mode(),
		IsDir:     info.IsDir(),
		IsSymlink: info.Mode()&os.ModeSymlink != 0,
		UID:       -1,
		GID:       -1,
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.UID = int(stat.Uid)
		fi.GID = int(stat.Gid)
	}
	return fi, nil
}

// ReadFile reads a file and returns its contents.
func (o *OSFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(o.Resolve(path))
}

// WriteFile writes data to a temporary file next to path and renames it
// into place, so readers never see a partial file.
func (o *OSFileSystem) WriteFile(path string, data []byte, perm os.FileMode) error {
	target := o.Resolve(path)
	dir := filepath.Dir(target)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".keel-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// MkdirAll creates a directory and all necessary parents.
func (o *OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(o.Resolve(path), perm)
}

// Remove removes a file or empty directory.
func (o *OSFileSystem) Remove(path string) error {
	return os.Remove(o.Resolve(path))
}

// RemoveAll removes path and any children.
func (o *OSFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(o.Resolve(path))
}

// Chmod sets permission bits.
func (o *OSFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(o.Resolve(path), perm)
}

// Chown sets ownership; -1 leaves a field unchanged.
func (o *OSFileSystem) Chown(path string, uid, gid int) error {
	return os.Lchown(o.Resolve(path), uid, gid)
}

// Chtimes sets access and modification times.
func (o *OSFileSystem) Chtimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(o.Resolve(path), atime, mtime)
}

// Readlink returns the target of a symlink.
func (o *OSFileSystem) Readlink(path string) (string, error) {
	return os.Readlink(o.Resolve(path))
}

// Symlink creates link pointing at target. The target is stored as given.
func (o *OSFileSystem) Symlink(target, link string) error {
	return os.Symlink(target, o.Resolve(link))
}

// Ensure OSFileSystem implements FileSystem.
var _ FileSystem = (*OSFileSystem)(nil)
