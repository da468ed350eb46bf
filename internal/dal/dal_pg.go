package dal

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgfuse/pgfuse/internal/pgerrors"
)

// Executor is the subset of pgx.Tx that PG needs. Satisfied directly by
// pgx.Tx; a fake transaction in tests can implement it without pulling in
// a real connection.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG implements DAL against a live transaction. One PG wraps exactly one
// transaction; the envelope constructs a fresh PG per request.
type PG struct {
	tx Executor
}

// New wraps tx in a DAL implementation. tx is typically a pgx.Tx obtained
// from a pool.Conn.Begin call by the envelope.
func New(tx Executor) *PG {
	return &PG{tx: tx}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// ReadMetaFromPath resolves a path via the denormalized path column, the
// primary lookup strategy chosen in SPEC_FULL.md §3's resolution of the
// "keep both, or drop the column" open question: both path and the
// parent_id/name tree are maintained in the same transaction, so a direct
// equality lookup on path is always consistent with the tree.
func (p *PG) ReadMetaFromPath(ctx context.Context, path string) (int64, Meta, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT id, parent_id, size, mode, uid, gid, ctime, mtime, atime
		FROM dir WHERE path = $1`, path)

	var m Meta
	if err := row.Scan(&m.ID, &m.ParentID, &m.Size, &m.Mode, &m.UID, &m.GID, &m.Ctime, &m.Mtime, &m.Atime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, Meta{}, pgerrors.NotFound("dal", "read_meta_from_path", path)
		}
		return 0, Meta{}, pgerrors.Wrap("dal", "read_meta_from_path", err)
	}
	return m.ID, m, nil
}

// resolvePathByTree descends parent_id/name links from the root to confirm
// (or reconstruct) an inode's path independently of the denormalized
// column. Rename uses it only to compute a moved directory's current path,
// the prefix its descendants' paths are rewritten from, never as the
// primary lookup — the tree, not the column, is
// the source of truth the column must always agree with.
func (p *PG) resolvePathByTree(ctx context.Context, id int64) (string, error) {
	var path string
	cur := id
	for depth := 0; depth < 4096; depth++ {
		var parentID int64
		var name string
		err := p.tx.QueryRow(ctx, `SELECT parent_id, name FROM dir WHERE id = $1`, cur).Scan(&parentID, &name)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", pgerrors.NotFound("dal", "resolve_path_by_tree", "")
			}
			return "", pgerrors.Wrap("dal", "resolve_path_by_tree", err)
		}
		if cur == 0 {
			// Root is self-referential; stop here rather than descending
			// into its own parent_id.
			break
		}
		path = "/" + name + path
		cur = parentID
	}
	if path == "" {
		path = "/"
	}
	return path, nil
}

func (p *PG) ReadMeta(ctx context.Context, id int64, path string) (Meta, error) {
	row := p.tx.QueryRow(ctx, `
		SELECT id, parent_id, size, mode, uid, gid, ctime, mtime, atime
		FROM dir WHERE id = $1`, id)

	var m Meta
	if err := row.Scan(&m.ID, &m.ParentID, &m.Size, &m.Mode, &m.UID, &m.GID, &m.Ctime, &m.Mtime, &m.Atime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Meta{}, pgerrors.NotFound("dal", "read_meta", path)
		}
		return Meta{}, pgerrors.Wrap("dal", "read_meta", err)
	}
	return m, nil
}

func (p *PG) WriteMeta(ctx context.Context, id int64, meta Meta) error {
	_, err := p.tx.Exec(ctx, `
		UPDATE dir SET size = $1, mode = $2, uid = $3, gid = $4, ctime = $5, mtime = $6, atime = $7
		WHERE id = $8`,
		meta.Size, meta.Mode, meta.UID, meta.GID, meta.Ctime, meta.Mtime, meta.Atime, id)
	if err != nil {
		return pgerrors.Wrap("dal", "write_meta", err)
	}
	return nil
}

// Readdir yields every child of id except the root's self-reference
// (spec.md §3: "an implementation must treat this as a sentinel and not
// descend into it during directory traversal").
func (p *PG) Readdir(ctx context.Context, id int64) ([]DirEntry, error) {
	rows, err := p.tx.Query(ctx, `
		SELECT name, mode FROM dir WHERE parent_id = $1 AND id != parent_id`, id)
	if err != nil {
		return nil, pgerrors.Wrap("dal", "readdir", err)
	}
	defer rows.Close()

	var entries []DirEntry
	for rows.Next() {
		var e DirEntry
		if err := rows.Scan(&e.Name, &e.Mode); err != nil {
			return nil, pgerrors.Wrap("dal", "readdir", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgerrors.Wrap("dal", "readdir", err)
	}
	return entries, nil
}

func (p *PG) createInode(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error) {
	// The id is drawn before the insert: the schema's first-block rule
	// re-evaluates NEW.id, so a nextval() inside VALUES would hand the data
	// row a different id than the dir row.
	var id int64
	if err := p.tx.QueryRow(ctx, `SELECT nextval('dir_id_seq')`).Scan(&id); err != nil {
		return 0, pgerrors.Wrap("dal", "create", err)
	}
	_, err := p.tx.Exec(ctx, `
		INSERT INTO dir (id, parent_id, name, path, size, mode, uid, gid, ctime, mtime, atime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, parentID, name, path, meta.Size, meta.Mode, meta.UID, meta.GID, meta.Ctime, meta.Mtime, meta.Atime)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, pgerrors.AlreadyExists("dal", "create", path)
		}
		return 0, pgerrors.Wrap("dal", "create", err)
	}
	return id, nil
}

func (p *PG) CreateFile(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error) {
	return p.createInode(ctx, parentID, path, name, meta)
}

func (p *PG) CreateDir(ctx context.Context, parentID int64, path, name string, meta Meta) (int64, error) {
	return p.createInode(ctx, parentID, path, name, meta)
}

func (p *PG) DeleteFile(ctx context.Context, id int64) error {
	var mode uint32
	err := p.tx.QueryRow(ctx, `SELECT mode FROM dir WHERE id = $1 FOR UPDATE`, id).Scan(&mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgerrors.NotFound("dal", "delete_file", "")
		}
		return pgerrors.Wrap("dal", "delete_file", err)
	}
	if IsDir(mode) {
		return pgerrors.IsDirectory("dal", "delete_file", "")
	}
	if _, err := p.tx.Exec(ctx, `DELETE FROM dir WHERE id = $1`, id); err != nil {
		return pgerrors.Wrap("dal", "delete_file", err)
	}
	return nil
}

func (p *PG) DeleteDir(ctx context.Context, id int64) error {
	var exists bool
	err := p.tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM dir WHERE parent_id = $1 AND id != parent_id)`, id).Scan(&exists)
	if err != nil {
		return pgerrors.Wrap("dal", "delete_dir", err)
	}
	if exists {
		return pgerrors.NotEmpty("dal", "delete_dir", "")
	}
	if _, err := p.tx.Exec(ctx, `DELETE FROM dir WHERE id = $1`, id); err != nil {
		return pgerrors.Wrap("dal", "delete_dir", err)
	}
	return nil
}

// loadBlock returns exactly blockSize bytes: the stored block padded with
// trailing zeros if the row is shorter or missing entirely. Every block
// this package writes is already full-size (see WriteBuf), so padding here
// only ever fires for blocks beyond a file's current extent.
func (p *PG) loadBlock(ctx context.Context, id, blockNo, blockSize int64) ([]byte, error) {
	var data []byte
	err := p.tx.QueryRow(ctx, `SELECT data FROM data WHERE dir_id = $1 AND block_no = $2`, id, blockNo).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return make([]byte, blockSize), nil
		}
		return nil, pgerrors.Wrap("dal", "load_block", err)
	}
	if int64(len(data)) == blockSize {
		return data, nil
	}
	full := make([]byte, blockSize)
	copy(full, data)
	return full, nil
}

func (p *PG) storeBlock(ctx context.Context, id, blockNo int64, block []byte) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO data (dir_id, block_no, data) VALUES ($1, $2, $3)
		ON CONFLICT (dir_id, block_no) DO UPDATE SET data = EXCLUDED.data`,
		id, blockNo, block)
	if err != nil {
		return pgerrors.Wrap("dal", "store_block", err)
	}
	return nil
}

// ReadBuf clamps the requested range to the inode's current size (reads
// past EOF return zero bytes, spec.md §8 property 3) then splices together
// whichever blocks the range spans.
func (p *PG) ReadBuf(ctx context.Context, blockSize, id, offset, size int64) ([]byte, error) {
	var fileSize int64
	if err := p.tx.QueryRow(ctx, `SELECT size FROM dir WHERE id = $1`, id).Scan(&fileSize); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgerrors.NotFound("dal", "read_buf", "")
		}
		return nil, pgerrors.Wrap("dal", "read_buf", err)
	}

	if offset >= fileSize || size <= 0 {
		return []byte{}, nil
	}
	if offset+size > fileSize {
		size = fileSize - offset
	}

	out := make([]byte, size)
	startBlock := offset / blockSize
	endBlock := (offset + size - 1) / blockSize

	for blockNo := startBlock; blockNo <= endBlock; blockNo++ {
		block, err := p.loadBlock(ctx, id, blockNo, blockSize)
		if err != nil {
			return nil, err
		}
		blockStart := blockNo * blockSize
		srcFrom := max64(offset, blockStart) - blockStart
		srcTo := min64(offset+size, blockStart+blockSize) - blockStart
		destFrom := max64(offset, blockStart) - offset
		copy(out[destFrom:], block[srcFrom:srcTo])
	}
	return out, nil
}

// WriteBuf splices buf into whichever blocks it spans and stores each
// block back at full block_size; bytes of a touched block outside the
// written range keep their stored value, or are zero where the block was
// missing or stored short. Extending dir.size is the caller's job
// (spec.md §4.4's write handler reads meta, extends size, calls WriteBuf,
// then writes meta back); this method never touches dir.size.
func (p *PG) WriteBuf(ctx context.Context, blockSize, id, offset int64, buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	startBlock := offset / blockSize
	endBlock := (offset + int64(len(buf)) - 1) / blockSize

	for blockNo := startBlock; blockNo <= endBlock; blockNo++ {
		block, err := p.loadBlock(ctx, id, blockNo, blockSize)
		if err != nil {
			return 0, err
		}
		blockStart := blockNo * blockSize
		destFrom := max64(offset, blockStart) - blockStart
		destTo := min64(offset+int64(len(buf)), blockStart+blockSize) - blockStart
		srcFrom := max64(offset, blockStart) - offset
		copy(block[destFrom:destTo], buf[srcFrom:srcFrom+(destTo-destFrom)])

		if err := p.storeBlock(ctx, id, blockNo, block); err != nil {
			return 0, err
		}
	}
	return int64(len(buf)), nil
}

// Truncate drops every block at or beyond the new block count, backfills
// zero blocks up to that count when growing, and zeros the tail of the
// retained terminal block so no stale bytes survive past new_size.
func (p *PG) Truncate(ctx context.Context, blockSize, id, newSize int64) error {
	newBlockCount := ceilDiv(newSize, blockSize)

	if _, err := p.tx.Exec(ctx, `DELETE FROM data WHERE dir_id = $1 AND block_no >= $2`, id, newBlockCount); err != nil {
		return pgerrors.Wrap("dal", "truncate", err)
	}

	rows, err := p.tx.Query(ctx, `SELECT block_no FROM data WHERE dir_id = $1 AND block_no < $2`, id, newBlockCount)
	if err != nil {
		return pgerrors.Wrap("dal", "truncate", err)
	}
	present := make(map[int64]bool)
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			rows.Close()
			return pgerrors.Wrap("dal", "truncate", err)
		}
		present[b] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pgerrors.Wrap("dal", "truncate", err)
	}

	for b := int64(0); b < newBlockCount; b++ {
		if !present[b] {
			if err := p.storeBlock(ctx, id, b, make([]byte, blockSize)); err != nil {
				return err
			}
		}
	}

	if newSize > 0 {
		if tail := newSize % blockSize; tail != 0 {
			last := newBlockCount - 1
			block, err := p.loadBlock(ctx, id, last, blockSize)
			if err != nil {
				return err
			}
			for i := tail; i < blockSize; i++ {
				block[i] = 0
			}
			if err := p.storeBlock(ctx, id, last, block); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rename relinks the moved inode and, for directories, rewrites the path
// prefix of every descendant in the same transaction (spec.md §4.1).
// Identity rename and overwrite-conflict decisions are the handler's job;
// by the time Rename is called the move is known to be valid.
func (p *PG) Rename(ctx context.Context, fromID, toParentID int64, newName, fromPath, toPath string) error {
	var mode uint32
	if err := p.tx.QueryRow(ctx, `SELECT mode FROM dir WHERE id = $1`, fromID).Scan(&mode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgerrors.NotFound("dal", "rename", fromPath)
		}
		return pgerrors.Wrap("dal", "rename", err)
	}

	// The tree, not the caller-supplied path, is authoritative for the
	// descendant prefix rewrite below: a caller only ever has the path the
	// kernel handed it for this one request, which could already be stale
	// if another rename reshuffled an ancestor in a transaction that
	// committed first.
	oldPath := fromPath
	if IsDir(mode) {
		treePath, err := p.resolvePathByTree(ctx, fromID)
		if err != nil {
			return err
		}
		oldPath = treePath
	}

	_, err := p.tx.Exec(ctx, `
		UPDATE dir SET parent_id = $1, name = $2, path = $3 WHERE id = $4`,
		toParentID, newName, toPath, fromID)
	if err != nil {
		if isUniqueViolation(err) {
			return pgerrors.AlreadyExists("dal", "rename", toPath)
		}
		return pgerrors.Wrap("dal", "rename", err)
	}

	if IsDir(mode) {
		_, err := p.tx.Exec(ctx, `
			UPDATE dir SET path = $1 || substring(path from $2)
			WHERE path LIKE $3 AND id != $4`,
			toPath, len(oldPath)+1, oldPath+"/%", fromID)
		if err != nil {
			return pgerrors.Wrap("dal", "rename", err)
		}
	}
	return nil
}

// GetTablespaceLocations introspects the catalog for the on-disk
// directories backing pgfuse's own tables and indices (spec.md §4.5 step
// 1), substituting the cluster's data directory for the default
// tablespace, whose pg_tablespace_location is always empty.
func (p *PG) GetTablespaceLocations(ctx context.Context) ([]string, error) {
	rows, err := p.tx.Query(ctx, `
		SELECT DISTINCT CASE WHEN loc = '' THEN current_setting('data_directory') ELSE loc END
		FROM (
			SELECT pg_tablespace_location(
				COALESCE(NULLIF(c.reltablespace, 0),
					(SELECT dattablespace FROM pg_database WHERE datname = current_database()))
			) AS loc
			FROM pg_class c
			WHERE c.relname IN ('dir', 'data', 'dir_parent_id_idx', 'data_dir_id_idx', 'data_block_no_idx')
		) t`)
	if err != nil {
		return nil, pgerrors.Wrap("dal", "get_tablespace_locations", err)
	}
	defer rows.Close()

	var locations []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, pgerrors.Wrap("dal", "get_tablespace_locations", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, pgerrors.Wrap("dal", "get_tablespace_locations", err)
	}
	return locations, nil
}

func (p *PG) GetFSBlocksUsed(ctx context.Context) (int64, error) {
	var used int64
	err := p.tx.QueryRow(ctx, `SELECT COUNT(*) FROM data`).Scan(&used)
	if err != nil {
		return 0, pgerrors.Wrap("dal", "get_fs_blocks_used", err)
	}
	return used, nil
}

func (p *PG) GetFSFilesUsed(ctx context.Context) (int64, error) {
	var used int64
	if err := p.tx.QueryRow(ctx, `SELECT COUNT(*) FROM dir WHERE id != parent_id`).Scan(&used); err != nil {
		return 0, pgerrors.Wrap("dal", "get_fs_files_used", err)
	}
	return used, nil
}

func (p *PG) GetBlockSize(ctx context.Context) (int64, error) {
	var bs int64
	err := p.tx.QueryRow(ctx, `SELECT value::bigint FROM pgfuse_meta WHERE key = 'block_size'`).Scan(&bs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pgerrors.NotFound("dal", "get_block_size", "")
		}
		return 0, pgerrors.Wrap("dal", "get_block_size", err)
	}
	return bs, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
