// Package dal is the Database Access Layer of spec.md §4.1: typed
// operations over the dir/data schema. It hides SQL text and parameter
// binding from callers; callers (the envelope and handlers) only ever see
// Meta, DirEntry, and *pgerrors.Error.
package dal

import (
	"context"
	"time"
)

// File-type bits within Meta.Mode, matching the real POSIX S_IFDIR/S_IFLNK
// values so stat results need no translation (spec.md §3: "Bit 0x4000 =
// directory, 0xA000 = symlink, else regular").
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeSymlink  = 0xA000
	ModeRegular  = 0x8000
)

// IsDir reports whether mode's file-type bits mark a directory.
func IsDir(mode uint32) bool { return mode&ModeTypeMask == ModeDir }

// IsSymlink reports whether mode's file-type bits mark a symlink.
func IsSymlink(mode uint32) bool { return mode&ModeTypeMask == ModeSymlink }

// Meta is one dir row: the full set of fields a getattr/write_meta call
// reads or updates (spec.md §3).
type Meta struct {
	ID       int64
	ParentID int64
	Size     int64
	Mode     uint32
	UID      uint32
	GID      uint32
	Ctime    time.Time
	Mtime    time.Time
	Atime    time.Time
}

// DirEntry is one child yielded by Readdir: name plus enough of mode to
// tell the VFS bridge the entry's type without a second round-trip.
type DirEntry struct {
	Name string
	Mode uint32
}

// DAL is the full set of operations spec.md §4.1 names. dal.PG implements
// it against a live pgx transaction; pgtest.Fake implements it
// in-memory for unit tests that don't need a live PostgreSQL instance.
type DAL interface {
	ReadMetaFromPath(ctx context.Context, path string) (id int64, meta Meta, err error)
	ReadMeta(ctx context.Context, id int64, path string) (Meta, error)
	WriteMeta(ctx context.Context, id int64, meta Meta) error

	Readdir(ctx context.Context, id int64) ([]DirEntry, error)

	CreateFile(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error)
	CreateDir(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error)

	DeleteFile(ctx context.Context, id int64) error
	DeleteDir(ctx context.Context, id int64) error

	ReadBuf(ctx context.Context, blockSize int64, id int64, offset int64, size int64) ([]byte, error)
	WriteBuf(ctx context.Context, blockSize int64, id int64, offset int64, buf []byte) (int64, error)
	Truncate(ctx context.Context, blockSize int64, id int64, newSize int64) error

	Rename(ctx context.Context, fromID int64, toParentID int64, newName, fromPath, toPath string) error

	GetTablespaceLocations(ctx context.Context) ([]string, error)
	GetFSBlocksUsed(ctx context.Context) (int64, error)
	GetFSFilesUsed(ctx context.Context) (int64, error)
	GetBlockSize(ctx context.Context) (int64, error)
}
