package pgtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
)

func TestCreateFileThenReadMetaFromPath(t *testing.T) {
	ctx := context.Background()
	f := New()

	id, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular | 0o644})
	require.NoError(t, err)

	gotID, meta, err := f.ReadMetaFromPath(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, uint32(dal.ModeRegular|0o644), meta.Mode)
}

func TestCreateFileDuplicateNameIsAlreadyExists(t *testing.T) {
	ctx := context.Background()
	f := New()

	_, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	_, err = f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	assert.Equal(t, pgerrors.KindAlreadyExists, pgerrors.Of(err))
}

func TestReadMetaFromPathMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := New()

	_, _, err := f.ReadMetaFromPath(ctx, "/missing")
	assert.Equal(t, pgerrors.KindNotFound, pgerrors.Of(err))
}

func TestDeleteFileOnDirectoryIsIsDirectory(t *testing.T) {
	ctx := context.Background()
	f := New()

	id, err := f.CreateDir(ctx, 0, "/d", "d", dal.Meta{Mode: dal.ModeDir | 0o755})
	require.NoError(t, err)

	err = f.DeleteFile(ctx, id)
	assert.Equal(t, pgerrors.KindIsDirectory, pgerrors.Of(err))
}

func TestDeleteDirNonEmptyIsNotEmpty(t *testing.T) {
	ctx := context.Background()
	f := New()

	dirID, err := f.CreateDir(ctx, 0, "/d", "d", dal.Meta{Mode: dal.ModeDir | 0o755})
	require.NoError(t, err)
	_, err = f.CreateFile(ctx, dirID, "/d/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	err = f.DeleteDir(ctx, dirID)
	assert.Equal(t, pgerrors.KindNotEmpty, pgerrors.Of(err))
}

func TestWriteBufThenReadBufRoundTrips(t *testing.T) {
	ctx := context.Background()
	f := New()
	const blockSize = 4096

	id, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	payload := []byte("hello, pgfuse")
	n, err := f.WriteBuf(ctx, blockSize, id, 10, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	require.NoError(t, f.WriteMeta(ctx, id, dal.Meta{Mode: dal.ModeRegular, Size: 10 + int64(len(payload))}))

	got, err := f.ReadBuf(ctx, blockSize, id, 10, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadBufClampsAtEOF(t *testing.T) {
	ctx := context.Background()
	f := New()
	const blockSize = 4096

	id, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)
	require.NoError(t, f.WriteMeta(ctx, id, dal.Meta{Mode: dal.ModeRegular, Size: 5}))
	_, err = f.WriteBuf(ctx, blockSize, id, 0, []byte("hello"))
	require.NoError(t, err)

	got, err := f.ReadBuf(ctx, blockSize, id, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = f.ReadBuf(ctx, blockSize, id, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteBufSpansMultipleBlocks(t *testing.T) {
	ctx := context.Background()
	f := New()
	const blockSize = 8

	id, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	payload := []byte("0123456789ABCDEF") // spans blocks 0,1,2
	_, err = f.WriteBuf(ctx, blockSize, id, 4, payload)
	require.NoError(t, err)
	require.NoError(t, f.WriteMeta(ctx, id, dal.Meta{Mode: dal.ModeRegular, Size: 4 + int64(len(payload))}))

	got, err := f.ReadBuf(ctx, blockSize, id, 4, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Bytes [0,4) were never written and must read back as zero.
	got, err = f.ReadBuf(ctx, blockSize, id, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), got)
}

func TestTruncateShrinkThenGrowZeroFills(t *testing.T) {
	ctx := context.Background()
	f := New()
	const blockSize = 8

	id, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)
	_, err = f.WriteBuf(ctx, blockSize, id, 0, []byte("ABCDEFGHIJKLMNOP"))
	require.NoError(t, err)

	require.NoError(t, f.Truncate(ctx, blockSize, id, 3))
	require.NoError(t, f.WriteMeta(ctx, id, dal.Meta{Mode: dal.ModeRegular, Size: 3}))
	got, err := f.ReadBuf(ctx, blockSize, id, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), got)

	require.NoError(t, f.Truncate(ctx, blockSize, id, 10))
	require.NoError(t, f.WriteMeta(ctx, id, dal.Meta{Mode: dal.ModeRegular, Size: 10}))
	got, err = f.ReadBuf(ctx, blockSize, id, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'B', 'C', 0, 0, 0, 0, 0, 0, 0}, got)
}

func TestRenameUpdatesPathAndDescendants(t *testing.T) {
	ctx := context.Background()
	f := New()

	dirID, err := f.CreateDir(ctx, 0, "/d", "d", dal.Meta{Mode: dal.ModeDir | 0o755})
	require.NoError(t, err)
	childID, err := f.CreateFile(ctx, dirID, "/d/child", "child", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	require.NoError(t, f.Rename(ctx, dirID, 0, "e", "/d", "/e"))

	_, _, err = f.ReadMetaFromPath(ctx, "/d")
	assert.Equal(t, pgerrors.KindNotFound, pgerrors.Of(err))

	gotID, _, err := f.ReadMetaFromPath(ctx, "/e")
	require.NoError(t, err)
	assert.Equal(t, dirID, gotID)

	gotChildID, childMeta, err := f.ReadMetaFromPath(ctx, "/e/child")
	require.NoError(t, err)
	assert.Equal(t, childID, gotChildID)
	assert.Equal(t, dal.ModeRegular, int(childMeta.Mode))
}

func TestRenameOntoExistingNameIsAlreadyExists(t *testing.T) {
	ctx := context.Background()
	f := New()

	_, err := f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)
	bID, err := f.CreateFile(ctx, 0, "/b", "b", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	err = f.Rename(ctx, bID, 0, "a", "/b", "/a")
	assert.Equal(t, pgerrors.KindAlreadyExists, pgerrors.Of(err))
}

func TestReaddirExcludesRootSelfReference(t *testing.T) {
	ctx := context.Background()
	f := New()

	entries, err := f.Readdir(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	entries, err = f.Readdir(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
}

func TestGetFSFilesUsedExcludesRoot(t *testing.T) {
	ctx := context.Background()
	f := New()

	n, err := f.GetFSFilesUsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = f.CreateFile(ctx, 0, "/a", "a", dal.Meta{Mode: dal.ModeRegular})
	require.NoError(t, err)

	n, err = f.GetFSFilesUsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

var _ dal.DAL = (*Fake)(nil)
