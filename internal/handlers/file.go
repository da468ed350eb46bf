package handlers

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
)

// pgfuseFile is the open handle spec.md §4.4's state machine describes:
// CLOSED -> OPEN(fh=id) via open/create -> CLOSED via release. fh is simply
// the inode id; id==0 can never be handed out by Open/Create since the
// schema reserves id 0 for the root directory, so it stands for "no handle"
// the way spec.md's "EBADF if fh == 0" note expects.
type pgfuseFile struct {
	nodefs.File
	fs   *FS
	id   int64
	path string
}

func newFile(fs *FS, id int64, path string) nodefs.File {
	return &pgfuseFile{File: nodefs.NewDefaultFile(), fs: fs, id: id, path: path}
}

// Read is spec.md §4.4's read(path, fh, buf, offset, size), delegating to
// the DAL's block-granular ReadBuf.
func (f *pgfuseFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	if f.id == 0 {
		return nil, fuse.Status(syscall.EBADF)
	}
	var data []byte
	err := f.fs.run(context.Background(), "read", func(ctx context.Context, d dal.DAL) error {
		var readErr error
		data, readErr = d.ReadBuf(ctx, f.fs.blockSize, f.id, off, int64(len(dest)))
		return readErr
	})
	if err != nil {
		return nil, statusFromError(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

// Write is spec.md §4.4's write: reads meta, extends size if the write
// reaches past EOF, calls WriteBuf, writes meta back. A length mismatch
// between the requested and written byte counts is fatal (EIO) rather than
// silently short-writing.
func (f *pgfuseFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	if f.id == 0 {
		return 0, fuse.Status(syscall.EBADF)
	}
	if f.fs.readOnly {
		return 0, fuse.Status(syscall.EROFS)
	}
	var written int64
	err := f.fs.run(context.Background(), "write", func(ctx context.Context, d dal.DAL) error {
		meta, err := d.ReadMeta(ctx, f.id, f.path)
		if err != nil {
			return err
		}
		n, err := d.WriteBuf(ctx, f.fs.blockSize, f.id, off, data)
		if err != nil {
			return err
		}
		if n != int64(len(data)) {
			return pgerrors.Wrap("handlers", "write", fmt.Errorf("short write: wrote %d of %d bytes", n, len(data)))
		}
		written = n
		if newSize := off + int64(len(data)); newSize > meta.Size {
			meta.Size = newSize
		}
		meta.Mtime = time.Now()
		return d.WriteMeta(ctx, f.id, meta)
	})
	if err != nil {
		return 0, statusFromError(err)
	}
	return uint32(written), fuse.OK
}

// Truncate is spec.md §4.4's ftruncate.
func (f *pgfuseFile) Truncate(size uint64) fuse.Status {
	if f.id == 0 {
		return fuse.Status(syscall.EBADF)
	}
	if f.fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	err := f.fs.run(context.Background(), "ftruncate", func(ctx context.Context, d dal.DAL) error {
		meta, err := d.ReadMeta(ctx, f.id, f.path)
		if err != nil {
			return err
		}
		if err := d.Truncate(ctx, f.fs.blockSize, f.id, int64(size)); err != nil {
			return err
		}
		meta.Size = int64(size)
		meta.Mtime = time.Now()
		return d.WriteMeta(ctx, f.id, meta)
	})
	return statusFromError(err)
}

// GetAttr is spec.md §4.4's fgetattr.
func (f *pgfuseFile) GetAttr(out *fuse.Attr) fuse.Status {
	if f.id == 0 {
		return fuse.Status(syscall.EBADF)
	}
	var meta dal.Meta
	err := f.fs.run(context.Background(), "fgetattr", func(ctx context.Context, d dal.DAL) error {
		m, err := d.ReadMeta(ctx, f.id, f.path)
		meta = m
		return err
	})
	if err != nil {
		return statusFromError(err)
	}
	*out = *attrFromMeta(meta, f.fs.blockSize)
	return fuse.OK
}

func (f *pgfuseFile) withMeta(mutate func(*dal.Meta)) fuse.Status {
	if f.id == 0 {
		return fuse.Status(syscall.EBADF)
	}
	if f.fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	err := f.fs.run(context.Background(), "fsetattr", func(ctx context.Context, d dal.DAL) error {
		meta, err := d.ReadMeta(ctx, f.id, f.path)
		if err != nil {
			return err
		}
		mutate(&meta)
		return d.WriteMeta(ctx, f.id, meta)
	})
	return statusFromError(err)
}

func (f *pgfuseFile) Chmod(perms uint32) fuse.Status {
	return f.withMeta(func(meta *dal.Meta) {
		meta.Mode = (meta.Mode &^ 0o7777) | (perms & 0o7777)
	})
}

func (f *pgfuseFile) Chown(uid uint32, gid uint32) fuse.Status {
	return f.withMeta(func(meta *dal.Meta) {
		meta.UID = uid
		meta.GID = gid
	})
}

func (f *pgfuseFile) Utimens(atime *time.Time, mtime *time.Time) fuse.Status {
	return f.withMeta(func(meta *dal.Meta) {
		if atime != nil {
			meta.Atime = *atime
		}
		if mtime != nil {
			meta.Mtime = *mtime
		}
	})
}

// Fsync is spec.md §4.4's fsync/fdatasync: a no-op since the database
// commit already persisted the data, except for the EROFS/EBADF guards
// spec.md still requires.
func (f *pgfuseFile) Fsync(flags int) fuse.Status {
	if f.id == 0 {
		return fuse.Status(syscall.EBADF)
	}
	if f.fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	return fuse.OK
}
