// Package vfs implements the sandboxed virtual filesystem. Every path given
// to an operation is a posix-style path inside a virtual root; it is resolved
// against a single real root directory and the resolved absolute path must
// stay under that root, otherwise the operation fails with ErrAccessDenied.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrAccessDenied is returned for any path that escapes the configured root.
var ErrAccessDenied = errors.New("Access denied")

// FS is a path-confined filesystem rooted at a real directory.
type FS struct {
	root string // absolute, cleaned real root
}

// New creates an FS confined to root. The directory is created if missing.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve VFS root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create VFS root: %w", err)
	}
	return &FS{root: filepath.Clean(abs)}, nil
}

// Root returns the real root directory backing the VFS.
func (f *FS) Root() string { return f.root }

// Init provisions the base directory skeleton: /home, /tmp, /etc, /shared.
func (f *FS) Init() error {
	for _, dir := range []string{"/home", "/tmp", "/etc", "/shared"} {
		if err := f.Mkdir(dir, true); err != nil {
			return fmt.Errorf("failed to provision %s: %w", dir, err)
		}
	}
	return nil
}

// resolve maps a virtual path to a real one and enforces confinement.
func (f *FS) resolve(vpath string) (string, error) {
	if !strings.HasPrefix(vpath, "/") {
		vpath = "/" + vpath
	}
	real := filepath.Clean(filepath.Join(f.root, filepath.FromSlash(vpath)))
	if real != f.root && !strings.HasPrefix(real, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, vpath)
	}
	return real, nil
}

// Entry is one row of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Hidden  bool      `json:"hidden"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// FileInfo describes a single file or directory.
type FileInfo struct {
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// ReadFile returns the file content as UTF-8 text along with its size.
func (f *FS) ReadFile(vpath string) (string, int64, error) {
	data, err := f.ReadFileRaw(vpath)
	if err != nil {
		return "", 0, err
	}
	return string(data), int64(len(data)), nil
}

// ReadFileRaw returns the raw bytes of a file.
func (f *FS) ReadFileRaw(vpath string) ([]byte, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(real)
}

// CreateReadStream opens a byte-range reader over a file; start and end are
// inclusive byte offsets as in an HTTP Range header. end < 0 means "to EOF".
func (f *FS) CreateReadStream(vpath string, start, end int64) (io.ReadCloser, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(real)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to seek to range start: %w", err)
		}
	}
	if end < 0 {
		return file, nil
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(file, end-start+1),
		closer: file,
	}, nil
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

// WriteFile writes data, creating parent directories as needed.
func (f *FS) WriteFile(vpath string, data []byte) error {
	real, err := f.resolve(vpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	return os.WriteFile(real, data, 0o644)
}

// Mkdir creates a directory; recursive also creates missing parents.
func (f *FS) Mkdir(vpath string, recursive bool) error {
	real, err := f.resolve(vpath)
	if err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(real, 0o755)
	}
	return os.Mkdir(real, 0o755)
}

// Remove deletes a file; with recursive it deletes directories too.
func (f *FS) Remove(vpath string, recursive bool) error {
	real, err := f.resolve(vpath)
	if err != nil {
		return err
	}
	if real == f.root {
		return fmt.Errorf("%w: cannot remove VFS root", ErrAccessDenied)
	}
	if recursive {
		return os.RemoveAll(real)
	}
	return os.Remove(real)
}

// Move renames src to dst, creating dst's parent directories.
func (f *FS) Move(src, dst string) error {
	realSrc, err := f.resolve(src)
	if err != nil {
		return err
	}
	realDst, err := f.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(realDst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination parent: %w", err)
	}
	return os.Rename(realSrc, realDst)
}

// Copy duplicates a file or directory tree.
func (f *FS) Copy(src, dst string) error {
	realSrc, err := f.resolve(src)
	if err != nil {
		return err
	}
	realDst, err := f.resolve(dst)
	if err != nil {
		return err
	}
	info, err := os.Stat(realSrc)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(realSrc, realDst)
	}
	return copyFile(realSrc, realDst, info.Mode())
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// List returns the entries of a directory, directories before files, each
// group sorted by name. Entries with a leading dot are marked hidden.
func (f *FS) List(vpath string) ([]Entry, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(real)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Path:    joinVirtual(vpath, d.Name()),
			IsDir:   d.IsDir(),
			Hidden:  strings.HasPrefix(d.Name(), "."),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Stat returns metadata for a single path.
func (f *FS) Stat(vpath string) (*FileInfo, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    normalizeVirtual(vpath),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime(),
	}, nil
}

// Exists reports whether a path resolves to an existing file or directory.
func (f *FS) Exists(vpath string) bool {
	real, err := f.resolve(vpath)
	if err != nil {
		return false
	}
	_, err = os.Stat(real)
	return err == nil
}

func joinVirtual(dir, name string) string {
	dir = normalizeVirtual(dir)
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func normalizeVirtual(vpath string) string {
	if !strings.HasPrefix(vpath, "/") {
		vpath = "/" + vpath
	}
	cleaned := filepath.ToSlash(filepath.Clean(vpath))
	if cleaned == "." {
		return "/"
	}
	return cleaned
}
