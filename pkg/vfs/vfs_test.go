package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	fs, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Init())
	return fs
}

func TestResolveRejectsEscapes(t *testing.T) {
	fs := newTestFS(t)

	tests := []string{
		"/../outside.txt",
		"/home/../../etc/passwd",
		"../..",
		"/tmp/../../other",
	}
	for _, path := range tests {
		_, err := fs.ReadFileRaw(path)
		assert.ErrorIs(t, err, ErrAccessDenied, "path %q should be denied", path)
	}

	// Dot segments that stay inside the root are fine.
	require.NoError(t, fs.WriteFile("/home/a/../b.txt", []byte("ok")))
	content, _, err := fs.ReadFile("/home/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
}

func TestWriteCreatesParents(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.WriteFile("/home/agent_1/Projects/deep/notes.md", []byte("hello")))
	info, err := fs.Stat("/home/agent_1/Projects/deep/notes.md")
	require.NoError(t, err)
	assert.False(t, info.IsDir)
	assert.Equal(t, int64(5), info.Size)
}

func TestListOrdersDirsBeforeFiles(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.WriteFile("/home/x/zz.txt", []byte("z")))
	require.NoError(t, fs.WriteFile("/home/x/aa.txt", []byte("a")))
	require.NoError(t, fs.Mkdir("/home/x/sub", false))
	require.NoError(t, fs.WriteFile("/home/x/.hidden", []byte("h")))

	entries, err := fs.List("/home/x")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "sub", entries[0].Name)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, ".hidden", entries[1].Name)
	assert.True(t, entries[1].Hidden)
	assert.Equal(t, "aa.txt", entries[2].Name)
	assert.Equal(t, "zz.txt", entries[3].Name)
	assert.Equal(t, "/home/x/aa.txt", entries[2].Path)
}

func TestCreateReadStreamRange(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.WriteFile("/tmp/data.bin", []byte("0123456789")))

	r, err := fs.CreateReadStream("/tmp/data.bin", 2, 5)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(got))

	r2, err := fs.CreateReadStream("/tmp/data.bin", 7, -1)
	require.NoError(t, err)
	defer r2.Close()
	got, err = io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, "789", string(got))
}

func TestMoveAndCopy(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.WriteFile("/home/a/doc.txt", []byte("body")))

	require.NoError(t, fs.Move("/home/a/doc.txt", "/home/b/doc.txt"))
	assert.False(t, fs.Exists("/home/a/doc.txt"))
	assert.True(t, fs.Exists("/home/b/doc.txt"))

	require.NoError(t, fs.Copy("/home/b", "/home/c"))
	content, _, err := fs.ReadFile("/home/c/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "body", content)
	assert.True(t, fs.Exists("/home/b/doc.txt"))
}

func TestCreateHomeSkeleton(t *testing.T) {
	fs := newTestFS(t)

	home, err := fs.CreateHome("agent_42")
	require.NoError(t, err)
	assert.Equal(t, "/home/agent_42", home)

	for _, dir := range []string{"Desktop", "Documents", "Downloads", "Projects", ".config"} {
		info, err := fs.Stat(home + "/" + dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir)
	}

	// A customized profile survives re-provisioning.
	require.NoError(t, fs.WriteFile(home+"/.profile", []byte("custom")))
	_, err = fs.CreateHome("agent_42")
	require.NoError(t, err)
	content, _, err := fs.ReadFile(home + "/.profile")
	require.NoError(t, err)
	assert.Equal(t, "custom", content)

	require.NoError(t, fs.RemoveHome("agent_42"))
	assert.False(t, fs.Exists(home))
}

func TestSharedMounts(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.CreateHome("agent_1")
	require.NoError(t, err)

	assert.Error(t, fs.CreateSharedMount("../evil"))
	assert.Error(t, fs.CreateSharedMount("has space"))

	require.NoError(t, fs.CreateSharedMount("team-docs"))
	require.NoError(t, fs.WriteFile("/shared/team-docs/readme.md", []byte("shared")))

	require.NoError(t, fs.MountShared("agent_1", "team-docs"))
	content, _, err := fs.ReadFile("/home/agent_1/team-docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "shared", content)

	// Double mount fails, missing mount fails.
	assert.Error(t, fs.MountShared("agent_1", "team-docs"))
	assert.Error(t, fs.MountShared("agent_1", "nope"))

	require.NoError(t, fs.UnmountShared("agent_1", "team-docs"))
	assert.False(t, fs.Exists("/home/agent_1/team-docs"))
	// Unmount leaves the shared data intact.
	assert.True(t, fs.Exists("/shared/team-docs/readme.md"))

	names, err := fs.ListSharedMounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"team-docs"}, names)
}

func TestRemoveRootDenied(t *testing.T) {
	fs := newTestFS(t)
	assert.ErrorIs(t, fs.Remove("/", true), ErrAccessDenied)
	assert.ErrorIs(t, fs.Remove("/..", true), ErrAccessDenied)
}
