package fileops_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/fileops"
)

func newOps(t *testing.T) (*fileops.Ops, string) {
	t.Helper()
	root := t.TempDir()
	ops, err := fileops.New(root, fileops.Config{})
	require.NoError(t, err)
	return ops, root
}

func TestReadWriteRoundTrip(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello\nworld\n"), 0o644))

	res, err := ops.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", res.Content)
	assert.Equal(t, 2, res.TotalLines)
	assert.False(t, res.IsTruncated)
	assert.Empty(t, res.ReadOnlyReason)

	wr, err := ops.Write("a.txt", "hello\nthere\nworld\n", res.Revision, false)
	require.NoError(t, err)
	assert.NotEqual(t, res.Revision, wr.Revision)

	res2, err := ops.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\nthere\nworld\n", res2.Content)
}

func TestPathTraversalRejectedWithoutIO(t *testing.T) {
	ops, _ := newOps(t)

	_, err := ops.Read("../etc/passwd")
	assert.ErrorIs(t, err, fileops.ErrPathTraversal)

	_, err = ops.Read("/etc/passwd")
	assert.ErrorIs(t, err, fileops.ErrPathTraversal)

	_, err = ops.Read("sub/../../escape.txt")
	assert.ErrorIs(t, err, fileops.ErrPathTraversal)
}

func TestWriteRevisionConflict(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1\n"), 0o644))

	res, err := ops.Read("a.txt")
	require.NoError(t, err)

	_, err = ops.Write("a.txt", "v2\n", res.Revision, false)
	require.NoError(t, err)

	// Reusing the stale revision must fail, not silently overwrite.
	_, err = ops.Write("a.txt", "v3\n", res.Revision, false)
	var conflict *fileops.RevisionConflict
	require.ErrorAs(t, err, &conflict)

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(content))
}

func TestWriteForceBypassesRevisionCheck(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1\n"), 0o644))

	_, err := ops.Write("a.txt", "v2\n", fileops.FileRevision{}, true)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(content))
}

func TestAtomicWriteLeavesNoTempFileBehind(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1\n"), 0o644))

	_, err := ops.Write("a.txt", "v2\n", fileops.FileRevision{}, true)
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
}

func TestReadSliceWindowFlags(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("l0\nl1\nl2\nl3\nl4\n"), 0o644))

	slice, err := ops.ReadSlice("a.txt", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2"}, slice.Lines)
	assert.True(t, slice.HasMoreBefore)
	assert.True(t, slice.HasMoreAfter)
	assert.Equal(t, 5, slice.TotalLines)

	slice2, err := ops.ReadSlice("a.txt", 0, 5)
	require.NoError(t, err)
	assert.False(t, slice2.HasMoreBefore)
	assert.False(t, slice2.HasMoreAfter)
}

func TestReplaceRangeSplicesAndWritesAtomically(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("l0\nl1\nl2\n"), 0o644))

	res, err := ops.Read("a.txt")
	require.NoError(t, err)

	_, err = ops.ReplaceRange("a.txt", 1, 2, []string{"x", "y"}, res.Revision, false)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "l0\nx\ny\nl2\n", string(content))
}

func TestReplaceRangeOutOfBoundsRejected(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("l0\nl1\n"), 0o644))

	_, err := ops.ReplaceRange("a.txt", 0, 10, []string{"x"}, fileops.FileRevision{}, true)
	assert.ErrorIs(t, err, fileops.ErrLineOutOfRange)
}

func TestEditableMaxBytesSetsReadOnlyReason(t *testing.T) {
	ops, err := fileops.New(t.TempDir(), fileops.Config{EditableMaxBytes: 4})
	require.NoError(t, err)

	root := ops.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte("more than four bytes"), 0o644))

	res, err := ops.Read("big.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReadOnlyReason)
}

func TestMaxReadBytesTruncatesOnUTF8Boundary(t *testing.T) {
	ops, err := fileops.New(t.TempDir(), fileops.Config{MaxReadBytes: 5})
	require.NoError(t, err)

	root := ops.Root()
	// "héllo": 'é' is 2 bytes, so a naive 5-byte cut would split it.
	require.NoError(t, os.WriteFile(filepath.Join(root, "u.txt"), []byte("héllo world"), 0o644))

	res, err := ops.Read("u.txt")
	require.NoError(t, err)
	assert.True(t, res.IsTruncated)
	assert.True(t, len(res.Content) <= 5)
}

func TestNonUTF8FileRejected(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin.dat"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	_, err := ops.Read("bin.dat")
	assert.ErrorIs(t, err, fileops.ErrInvalidUTF8)
}

func TestListFilesRootExcludesGitDir(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	entries, err := ops.ListFiles("")
	require.NoError(t, err)

	names := make(map[string]fileops.FileEntry, len(entries))
	for _, e := range entries {
		names[e.Path] = e
	}
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "sub")
	assert.NotContains(t, names, ".git")
	assert.False(t, names["a.txt"].IsDir)
	assert.True(t, names["sub"].IsDir)
	assert.Equal(t, int64(3), names["a.txt"].SizeBytes)
}

func TestListFilesNestedDirectory(t *testing.T) {
	ops, root := newOps(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested\n"), 0o644))

	entries, err := ops.ListFiles("sub")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Path)
}

func TestListFilesRejectsTraversal(t *testing.T) {
	ops, _ := newOps(t)

	_, err := ops.ListFiles("../etc")
	assert.ErrorIs(t, err, fileops.ErrPathTraversal)

	_, err = ops.ListFiles("/etc")
	assert.ErrorIs(t, err, fileops.ErrPathTraversal)
}
