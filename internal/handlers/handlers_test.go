package handlers

import (
	"context"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/envelope"
	"github.com/pgfuse/pgfuse/internal/metrics"
	"github.com/pgfuse/pgfuse/internal/pgtest"
)

// fakeRunner satisfies envelopeRunner by handing body a pgtest.Fake
// directly, with no transaction underneath it -- the fake already
// implements dal.DAL's domain semantics so there is nothing left for a real
// transaction to add for handler-level tests.
type fakeRunner struct {
	d dal.DAL
}

func (r fakeRunner) Run(ctx context.Context, body envelope.Body) error {
	return body(ctx, r.d)
}

func newTestFS(readOnly bool) *FS {
	return &FS{
		FileSystem: nil,
		env:        fakeRunner{d: pgtest.New()},
		blockSize:  4096,
		readOnly:   readOnly,
	}
}

func TestGetAttrOnRoot(t *testing.T) {
	fs := newTestFS(false)
	attr, status := fs.GetAttr("", nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, uint64(0), attr.Ino)
	assert.True(t, dal.IsDir(attr.Mode))
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(false)

	file, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	n, status := file.Write([]byte("hello world"), 0)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, uint32(11), n)

	buf := make([]byte, 11)
	result, status := file.Read(buf, 0)
	require.Equal(t, fuse.OK, status)
	data, fuseStatus := result.Bytes(buf)
	require.Equal(t, fuse.OK, fuseStatus)
	assert.Equal(t, "hello world", string(data))

	attr, status := fs.GetAttr("a.txt", nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, uint64(11), attr.Size)
}

func TestCreateDuplicateIsEexist(t *testing.T) {
	fs := newTestFS(false)
	_, status := fs.Create("dup.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	_, status = fs.Create("dup.txt", 0, 0o644, nil)
	assert.Equal(t, fuse.Status(int32(syscall.EEXIST)), status)
}

func TestOpenDirectoryIsEisdir(t *testing.T) {
	fs := newTestFS(false)
	require.Equal(t, fuse.OK, fs.Mkdir("sub", 0o755, nil))

	_, status := fs.Open("sub", 0, nil)
	assert.Equal(t, fuse.Status(int32(syscall.EISDIR)), status)
}

func TestMkdirRmdir(t *testing.T) {
	fs := newTestFS(false)
	require.Equal(t, fuse.OK, fs.Mkdir("sub", 0o755, nil))

	entries, status := fs.OpenDir("", nil)
	require.Equal(t, fuse.OK, status)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "sub")
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")

	require.Equal(t, fuse.OK, fs.Rmdir("sub", nil))
	_, status = fs.GetAttr("sub", nil)
	assert.NotEqual(t, fuse.OK, status)
}

func TestUnlinkOnDirectoryIsEperm(t *testing.T) {
	fs := newTestFS(false)
	require.Equal(t, fuse.OK, fs.Mkdir("sub", 0o755, nil))
	status := fs.Unlink("sub", nil)
	assert.Equal(t, fuse.Status(int32(syscall.EPERM)), status)
}

func TestSymlinkReadlink(t *testing.T) {
	fs := newTestFS(false)
	require.Equal(t, fuse.OK, fs.Symlink("target.txt", "link", nil))

	content, status := fs.Readlink("link", nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "target.txt", content)
}

func TestRenameIdentityIsNoOp(t *testing.T) {
	fs := newTestFS(false)
	_, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	status = fs.Rename("a.txt", "a.txt", nil)
	assert.Equal(t, fuse.OK, status)
}

func TestRenameOntoExistingFileIsEexist(t *testing.T) {
	fs := newTestFS(false)
	_, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)
	_, status = fs.Create("b.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	status = fs.Rename("a.txt", "b.txt", nil)
	assert.Equal(t, fuse.Status(int32(syscall.EEXIST)), status)
}

func TestRenameMovesFile(t *testing.T) {
	fs := newTestFS(false)
	_, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	status = fs.Rename("a.txt", "b.txt", nil)
	require.Equal(t, fuse.OK, status)

	_, status = fs.GetAttr("a.txt", nil)
	assert.NotEqual(t, fuse.OK, status)
	_, status = fs.GetAttr("b.txt", nil)
	assert.Equal(t, fuse.OK, status)
}

func TestChmodOnReadOnlyMountIsRejected(t *testing.T) {
	fs := newTestFS(false)
	_, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	fs.readOnly = true
	status = fs.Chmod("a.txt", 0o600, nil)
	assert.Equal(t, fuse.Status(int32(syscall.EROFS)), status)
}

func TestTruncateGrowsAndShrinks(t *testing.T) {
	fs := newTestFS(false)
	_, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)

	status = fs.Truncate("a.txt", 100, nil)
	require.Equal(t, fuse.OK, status)
	attr, status := fs.GetAttr("a.txt", nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, uint64(100), attr.Size)

	status = fs.Truncate("a.txt", 10, nil)
	require.Equal(t, fuse.OK, status)
	attr, status = fs.GetAttr("a.txt", nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, uint64(10), attr.Size)
}

func TestAccessAlwaysAllowed(t *testing.T) {
	fs := newTestFS(true)
	assert.Equal(t, fuse.OK, fs.Access("anything", 0, nil))
}

func TestWithMetricsRecordsEveryOperation(t *testing.T) {
	fs := newTestFS(false)
	collector := metrics.NewCollector(metrics.Config{})
	fs.WithMetrics(collector)

	_, status := fs.Create("a.txt", 0, 0o644, nil)
	require.Equal(t, fuse.OK, status)
	_, status = fs.Create("a.txt", 0, 0o644, nil)
	assert.Equal(t, fuse.Status(int32(syscall.EEXIST)), status)

	count, err := testutil.GatherAndCount(collector.Gatherer(), "pgfuse_dal_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
