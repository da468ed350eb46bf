// Package handlers implements the filesystem operation handlers spec.md
// §4.4 names and the pathfs.FileSystem adapter that is the Host Bridge
// Adapter of spec.md §4.5 component 5. Every handler validates its inputs,
// runs one envelope.Envelope transaction against one or more DAL
// operations, and translates the outcome to a fuse.Status via
// pgerrors.ToErrno. No handler talks to pgx or the pool directly.
package handlers

import (
	"context"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/envelope"
	"github.com/pgfuse/pgfuse/internal/metrics"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
	"github.com/pgfuse/pgfuse/internal/pglog"
	"github.com/pgfuse/pgfuse/internal/statfs"
)

// envelopeRunner is the narrow slice of *envelope.Envelope the handlers
// need, so tests can swap in a runner that hands a pgtest.Fake straight to
// the body with no real transaction underneath it.
type envelopeRunner interface {
	Run(ctx context.Context, body envelope.Body) error
}

// FS is the pathfs.FileSystem adapter binding every spec.md §4.4 handler to
// one envelope.Envelope. Embedding pathfs.NewDefaultFileSystem() supplies
// the ENOSYS defaults for hard links, device nodes, and extended
// attributes, none of which pgfuse supports.
type FS struct {
	pathfs.FileSystem
	env       envelopeRunner
	blockSize int64
	readOnly  bool
	verbose   bool
	log       *pglog.Logger
	metrics   *metrics.Collector
}

// New builds the adapter. log may be nil (verbose logging is then skipped).
func New(env *envelope.Envelope, blockSize int64, readOnly, verbose bool, log *pglog.Logger) *FS {
	return &FS{
		FileSystem: pathfs.NewDefaultFileSystem(),
		env:        env,
		blockSize:  blockSize,
		readOnly:   readOnly,
		verbose:    verbose,
		log:        log,
	}
}

// WithMetrics attaches a metrics.Collector so every handler transaction
// this adapter runs is recorded, once per call, under the handler's name (SPEC_FULL.md §2's "-o metrics=addr" endpoint).
// Optional: a nil collector (the New default) just skips recording.
func (fs *FS) WithMetrics(c *metrics.Collector) *FS {
	fs.metrics = c
	return fs
}

// run wraps one envelope.Envelope transaction with metrics recording, named
// by the calling handler's operation (matching the "operation" label
// internal/metrics.Collector.RecordOperation expects).
func (fs *FS) run(ctx context.Context, op string, body envelope.Body) error {
	start := time.Now()
	err := fs.env.Run(ctx, body)
	if fs.metrics != nil {
		fs.metrics.RecordOperation(op, time.Since(start), err == nil)
	}
	return err
}

// dbPath converts a pathfs-relative name ("", "a", "a/b") into the leading-
// slash form the DAL's path column stores ("/", "/a", "/a/b").
func dbPath(name string) string {
	if name == "" {
		return "/"
	}
	return "/" + name
}

func statusFromError(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	return fuse.Status(int32(pgerrors.ToErrno(err)))
}

func ceilDiv(n, d int64) int64 {
	if d <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

func setAttrTime(sec *uint64, nsec *uint32, t time.Time) {
	*sec = uint64(t.Unix())
	*nsec = uint32(t.Nanosecond())
}

// attrFromMeta fills a fuse.Attr the way getattr/fgetattr must (spec.md
// §4.4): st_ino = id, st_blocks = ceil(size/block_size), st_blksize =
// block_size, st_nlink = 1 (hard links unsupported).
func attrFromMeta(meta dal.Meta, blockSize int64) *fuse.Attr {
	a := &fuse.Attr{
		Ino:     uint64(meta.ID),
		Size:    uint64(meta.Size),
		Blocks:  uint64(ceilDiv(meta.Size, blockSize)),
		Mode:    meta.Mode,
		Nlink:   1,
		Blksize: uint32(blockSize),
		Owner:   fuse.Owner{Uid: meta.UID, Gid: meta.GID},
	}
	setAttrTime(&a.Atime, &a.Atimensec, meta.Atime)
	setAttrTime(&a.Mtime, &a.Mtimensec, meta.Mtime)
	setAttrTime(&a.Ctime, &a.Ctimensec, meta.Ctime)
	return a
}

// GetAttr is spec.md §4.4's getattr(path).
func (fs *FS) GetAttr(name string, fctx *fuse.Context) (*fuse.Attr, fuse.Status) {
	p := dbPath(name)
	var meta dal.Meta
	err := fs.run(context.Background(), "getattr", func(ctx context.Context, d dal.DAL) error {
		_, m, err := d.ReadMetaFromPath(ctx, p)
		meta = m
		return err
	})
	if err != nil {
		return nil, statusFromError(err)
	}
	return attrFromMeta(meta, fs.blockSize), fuse.OK
}

// Access always grants access (SPEC_FULL.md §3: spec.md leaves permission
// checking deliberately unimplemented, matching pgfuse.c's access handler).
func (fs *FS) Access(name string, mode uint32, fctx *fuse.Context) fuse.Status {
	return fuse.OK
}

func (fs *FS) withMeta(p string, mutate func(*dal.Meta)) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	err := fs.run(context.Background(), "setattr", func(ctx context.Context, d dal.DAL) error {
		id, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		mutate(&meta)
		return d.WriteMeta(ctx, id, meta)
	})
	return statusFromError(err)
}

func (fs *FS) Chmod(name string, mode uint32, fctx *fuse.Context) fuse.Status {
	return fs.withMeta(dbPath(name), func(meta *dal.Meta) {
		meta.Mode = (meta.Mode &^ 0o7777) | (mode & 0o7777)
	})
}

func (fs *FS) Chown(name string, uid uint32, gid uint32, fctx *fuse.Context) fuse.Status {
	return fs.withMeta(dbPath(name), func(meta *dal.Meta) {
		meta.UID = uid
		meta.GID = gid
	})
}

func (fs *FS) Utimens(name string, atime *time.Time, mtime *time.Time, fctx *fuse.Context) fuse.Status {
	return fs.withMeta(dbPath(name), func(meta *dal.Meta) {
		if atime != nil {
			meta.Atime = *atime
		}
		if mtime != nil {
			meta.Mtime = *mtime
		}
	})
}

// Truncate is spec.md §4.4's path-based truncate.
func (fs *FS) Truncate(name string, size uint64, fctx *fuse.Context) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	p := dbPath(name)
	err := fs.run(context.Background(), "truncate", func(ctx context.Context, d dal.DAL) error {
		id, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		if err := d.Truncate(ctx, fs.blockSize, id, int64(size)); err != nil {
			return err
		}
		meta.Size = int64(size)
		meta.Mtime = time.Now()
		return d.WriteMeta(ctx, id, meta)
	})
	return statusFromError(err)
}

// Create is spec.md §4.4's create(path, mode): EEXIST if a file already
// sits at path, EISDIR if a directory does. The returned handle is the new
// inode id.
func (fs *FS) Create(name string, flags uint32, mode uint32, fctx *fuse.Context) (nodefs.File, fuse.Status) {
	if fs.readOnly {
		return nil, fuse.Status(syscall.EROFS)
	}
	p := dbPath(name)
	parentPath, base := path.Dir(p), path.Base(p)
	var id int64
	err := fs.run(context.Background(), "create", func(ctx context.Context, d dal.DAL) error {
		parentID, _, err := d.ReadMetaFromPath(ctx, parentPath)
		if err != nil {
			return err
		}
		_, existing, err := d.ReadMetaFromPath(ctx, p)
		switch {
		case err == nil:
			if dal.IsDir(existing.Mode) {
				return pgerrors.IsDirectory("handlers", "create", p)
			}
			return pgerrors.AlreadyExists("handlers", "create", p)
		case pgerrors.Of(err) != pgerrors.KindNotFound:
			return err
		}
		now := time.Now()
		newID, createErr := d.CreateFile(ctx, parentID, p, base, dal.Meta{
			Mode: dal.ModeRegular | (mode & 0o7777), Ctime: now, Mtime: now, Atime: now,
		})
		if createErr != nil {
			return createErr
		}
		id = newID
		return nil
	})
	if err != nil {
		return nil, statusFromError(err)
	}
	if fs.verbose && fs.log != nil {
		fs.log.Infof("create %s: %s", p, pglog.FormatOpenFlags(int(flags)))
	}
	return newFile(fs, id, p), fuse.OK
}

// Open is spec.md §4.4's open(path, flags): rejects directories with
// EISDIR, rejects write flags on a read-only mount with EROFS, and touches
// atime on success.
func (fs *FS) Open(name string, flags uint32, fctx *fuse.Context) (nodefs.File, fuse.Status) {
	p := dbPath(name)
	var id int64
	err := fs.run(context.Background(), "open", func(ctx context.Context, d dal.DAL) error {
		gotID, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		if dal.IsDir(meta.Mode) {
			return pgerrors.IsDirectory("handlers", "open", p)
		}
		wantsWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
		if fs.readOnly && wantsWrite {
			return pgerrors.ReadOnly("handlers", "open")
		}
		id = gotID
		meta.Atime = time.Now()
		return d.WriteMeta(ctx, id, meta)
	})
	if err != nil {
		return nil, statusFromError(err)
	}
	if fs.verbose && fs.log != nil {
		fs.log.Infof("open %s: %s", p, pglog.FormatOpenFlags(int(flags)))
	}
	return newFile(fs, id, p), fuse.OK
}

// Mkdir is spec.md §4.4's mkdir: like create but stamps the directory
// file-type bit.
func (fs *FS) Mkdir(name string, mode uint32, fctx *fuse.Context) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	p := dbPath(name)
	parentPath, base := path.Dir(p), path.Base(p)
	err := fs.run(context.Background(), "mkdir", func(ctx context.Context, d dal.DAL) error {
		parentID, _, err := d.ReadMetaFromPath(ctx, parentPath)
		if err != nil {
			return err
		}
		_, _, err = d.ReadMetaFromPath(ctx, p)
		switch {
		case err == nil:
			return pgerrors.AlreadyExists("handlers", "mkdir", p)
		case pgerrors.Of(err) != pgerrors.KindNotFound:
			return err
		}
		now := time.Now()
		_, createErr := d.CreateDir(ctx, parentID, p, base, dal.Meta{
			Mode: dal.ModeDir | (mode & 0o7777), Ctime: now, Mtime: now, Atime: now,
		})
		return createErr
	})
	return statusFromError(err)
}

// Rmdir is spec.md §4.4's rmdir: ENOTDIR if the target isn't a directory;
// the DAL itself enforces NotEmpty.
func (fs *FS) Rmdir(name string, fctx *fuse.Context) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	p := dbPath(name)
	err := fs.run(context.Background(), "rmdir", func(ctx context.Context, d dal.DAL) error {
		id, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		if !dal.IsDir(meta.Mode) {
			return pgerrors.NotDirectory("handlers", "rmdir", p)
		}
		return d.DeleteDir(ctx, id)
	})
	return statusFromError(err)
}

// Unlink is spec.md §4.4's unlink: EPERM on directories.
func (fs *FS) Unlink(name string, fctx *fuse.Context) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	p := dbPath(name)
	err := fs.run(context.Background(), "unlink", func(ctx context.Context, d dal.DAL) error {
		id, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		if dal.IsDir(meta.Mode) {
			return pgerrors.NotPermitted("handlers", "unlink", p)
		}
		return d.DeleteFile(ctx, id)
	})
	return statusFromError(err)
}

// Symlink is spec.md §4.4's symlink(from, to): value is the link content
// ("from"), linkName is the new path ("to").
func (fs *FS) Symlink(value string, linkName string, fctx *fuse.Context) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	p := dbPath(linkName)
	parentPath, base := path.Dir(p), path.Base(p)
	err := fs.run(context.Background(), "symlink", func(ctx context.Context, d dal.DAL) error {
		parentID, _, err := d.ReadMetaFromPath(ctx, parentPath)
		if err != nil {
			return err
		}
		now := time.Now()
		id, createErr := d.CreateFile(ctx, parentID, p, base, dal.Meta{
			Mode: dal.ModeSymlink | 0o777, Size: int64(len(value)), Ctime: now, Mtime: now, Atime: now,
		})
		if createErr != nil {
			return createErr
		}
		_, err = d.WriteBuf(ctx, fs.blockSize, id, 0, []byte(value))
		return err
	})
	return statusFromError(err)
}

// Readlink is spec.md §4.4's readlink: go-fuse handles the size-1/null-
// terminate packing on the wire, so this returns the full content.
func (fs *FS) Readlink(name string, fctx *fuse.Context) (string, fuse.Status) {
	p := dbPath(name)
	var content string
	err := fs.run(context.Background(), "readlink", func(ctx context.Context, d dal.DAL) error {
		id, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		if !dal.IsSymlink(meta.Mode) {
			return pgerrors.BadArgument("handlers", "readlink", "not a symlink")
		}
		buf, readErr := d.ReadBuf(ctx, fs.blockSize, id, 0, meta.Size)
		if readErr != nil {
			return readErr
		}
		content = string(buf)
		return nil
	})
	if err != nil {
		return "", statusFromError(err)
	}
	return content, fuse.OK
}

// Rename is spec.md §4.4's rename(from, to): an identity rename (from==to)
// is a documented no-op short-circuit (SPEC_FULL.md §3, pgfuse.c:1319-1332)
// that skips the DAL entirely. Otherwise: a regular-file/symlink target is
// EEXIST (overwrite is only ever allowed via the identity shortcut above);
// any directory on either side of a path mismatch is EINVAL.
func (fs *FS) Rename(oldName string, newName string, fctx *fuse.Context) fuse.Status {
	if fs.readOnly {
		return fuse.Status(syscall.EROFS)
	}
	fromPath, toPath := dbPath(oldName), dbPath(newName)
	if fromPath == toPath {
		return fuse.OK
	}
	err := fs.run(context.Background(), "rename", func(ctx context.Context, d dal.DAL) error {
		fromID, fromMeta, err := d.ReadMetaFromPath(ctx, fromPath)
		if err != nil {
			return err
		}

		_, toMeta, toErr := d.ReadMetaFromPath(ctx, toPath)
		switch {
		case toErr == nil:
			if dal.IsDir(toMeta.Mode) || dal.IsDir(fromMeta.Mode) {
				return pgerrors.BadArgument("handlers", "rename", "directory overwrite or cross-type rename")
			}
			return pgerrors.AlreadyExists("handlers", "rename", toPath)
		case pgerrors.Of(toErr) != pgerrors.KindNotFound:
			return toErr
		}

		toParentID, _, err := d.ReadMetaFromPath(ctx, path.Dir(toPath))
		if err != nil {
			return err
		}
		return d.Rename(ctx, fromID, toParentID, path.Base(toPath), fromPath, toPath)
	})
	return statusFromError(err)
}

// OpenDir is spec.md §4.4's opendir+readdir+releasedir+fsyncdir collapsed
// into one call, which is all go-fuse's pathfs interface exposes: it emits
// "." and ".." then every child Readdir returns. The other three named
// operations have no separate hook here because go-fuse's bridge already
// treats them as no-ops around this call.
func (fs *FS) OpenDir(name string, fctx *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	p := dbPath(name)
	var entries []fuse.DirEntry
	err := fs.run(context.Background(), "readdir", func(ctx context.Context, d dal.DAL) error {
		id, meta, err := d.ReadMetaFromPath(ctx, p)
		if err != nil {
			return err
		}
		if !dal.IsDir(meta.Mode) {
			return pgerrors.NotDirectory("handlers", "readdir", p)
		}
		children, err := d.Readdir(ctx, id)
		if err != nil {
			return err
		}
		entries = make([]fuse.DirEntry, 0, len(children)+2)
		entries = append(entries, fuse.DirEntry{Name: ".", Mode: dal.ModeDir})
		entries = append(entries, fuse.DirEntry{Name: "..", Mode: dal.ModeDir})
		for _, c := range children {
			entries = append(entries, fuse.DirEntry{Name: c.Name, Mode: c.Mode})
		}
		return nil
	})
	if err != nil {
		return nil, statusFromError(err)
	}
	return entries, fuse.OK
}

// StatFs is spec.md §4.5.
func (fs *FS) StatFs(name string) *fuse.StatfsOut {
	var stats statfs.Stats
	err := fs.run(context.Background(), "statfs", func(ctx context.Context, d dal.DAL) error {
		s, collectErr := statfs.Collect(ctx, d, fs.blockSize, fs.log)
		stats = s
		return collectErr
	})
	if err != nil {
		if fs.log != nil {
			fs.log.Errorf("statfs: %v", err)
		}
		return nil
	}
	return &fuse.StatfsOut{
		Blocks:  uint64(stats.BlocksTotal),
		Bfree:   uint64(stats.BlocksFree),
		Bavail:  uint64(stats.BlocksAvail),
		Files:   uint64(stats.FilesTotal),
		Ffree:   uint64(stats.FilesFree),
		Bsize:   uint32(fs.blockSize),
		Frsize:  uint32(fs.blockSize),
		NameLen: 255,
	}
}
