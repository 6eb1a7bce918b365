package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Shared mounts are directories under /shared that agents link into their
// home directory. Mount names are restricted so they cannot smuggle path
// segments.
var mountNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CreateSharedMount provisions /shared/<name>, failing on invalid names.
func (f *FS) CreateSharedMount(name string) error {
	if !mountNamePattern.MatchString(name) {
		return fmt.Errorf("invalid mount name %q", name)
	}
	return f.Mkdir("/shared/"+name, true)
}

// ListSharedMounts returns the names of all shared mounts.
func (f *FS) ListSharedMounts() ([]string, error) {
	entries, err := f.List("/shared")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// MountShared links /shared/<name> into an agent's home as a symlink.
func (f *FS) MountShared(uid, name string) error {
	if !mountNamePattern.MatchString(name) {
		return fmt.Errorf("invalid mount name %q", name)
	}
	target, err := f.resolve("/shared/" + name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("shared mount %q does not exist: %w", name, err)
	}
	link, err := f.resolve(HomeDir(uid) + "/" + name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(link); err == nil {
		return fmt.Errorf("mount point %q already exists", name)
	}
	return os.Symlink(target, link)
}

// UnmountShared removes the symlink from an agent's home. The shared
// directory itself is untouched.
func (f *FS) UnmountShared(uid, name string) error {
	if !mountNamePattern.MatchString(name) {
		return fmt.Errorf("invalid mount name %q", name)
	}
	link, err := f.resolve(HomeDir(uid) + "/" + name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(link)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%q is not a mount point", name)
	}
	return os.Remove(link)
}
