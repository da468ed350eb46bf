// Package pgtest provides an in-memory stand-in for dal.DAL so handler and
// statfs tests can exercise filesystem semantics without a live
// PostgreSQL instance, grounded on the mock-struct-per-interface pattern of
// tests/integration/mocks.go.
package pgtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
)

type inode struct {
	meta   dal.Meta
	name   string
	path   string
	blocks map[int64][]byte
}

// Fake implements dal.DAL entirely in memory. It is not a SQL-faking
// layer: it reimplements the same domain semantics (path uniqueness,
// directory non-emptiness, block splicing) directly over Go maps, the way
// the teacher's mocks reimplement each optimization interface's contract
// rather than simulating a wire protocol.
type Fake struct {
	mu       sync.Mutex
	nextID   int64
	inodes   map[int64]*inode
	children map[int64]map[string]int64 // parentID -> name -> childID
}

// New returns a Fake pre-seeded with the root inode (id 0, self-parented,
// matching schema/pgfuse.sql's root row).
func New() *Fake {
	f := &Fake{
		nextID:   1,
		inodes:   make(map[int64]*inode),
		children: make(map[int64]map[string]int64),
	}
	f.inodes[0] = &inode{
		meta: dal.Meta{ID: 0, ParentID: 0, Mode: dal.ModeDir | 0o777},
		name: "/",
		path: "/",
	}
	f.children[0] = make(map[string]int64)
	return f
}

func (f *Fake) ReadMetaFromPath(ctx context.Context, path string) (int64, dal.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.inodes {
		if n.path == path {
			return id, n.meta, nil
		}
	}
	return 0, dal.Meta{}, pgerrors.NotFound("pgtest", "read_meta_from_path", path)
}

func (f *Fake) ReadMeta(ctx context.Context, id int64, path string) (dal.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return dal.Meta{}, pgerrors.NotFound("pgtest", "read_meta", path)
	}
	return n.meta, nil
}

func (f *Fake) WriteMeta(ctx context.Context, id int64, meta dal.Meta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return pgerrors.NotFound("pgtest", "write_meta", "")
	}
	n.meta = meta
	return nil
}

func (f *Fake) Readdir(ctx context.Context, id int64) ([]dal.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kids := f.children[id]
	entries := make([]dal.DirEntry, 0, len(kids))
	for name, childID := range kids {
		entries = append(entries, dal.DirEntry{Name: name, Mode: f.inodes[childID].meta.Mode})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *Fake) create(ctx context.Context, parentID int64, path, name string, meta dal.Meta) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kids, ok := f.children[parentID]; ok {
		if _, exists := kids[name]; exists {
			return 0, pgerrors.AlreadyExists("pgtest", "create", path)
		}
	} else {
		f.children[parentID] = make(map[string]int64)
	}

	id := f.nextID
	f.nextID++
	meta.ID = id
	meta.ParentID = parentID
	f.inodes[id] = &inode{meta: meta, name: name, path: path, blocks: make(map[int64][]byte)}
	f.children[parentID][name] = id
	if dal.IsDir(meta.Mode) {
		f.children[id] = make(map[string]int64)
	}
	return id, nil
}

func (f *Fake) CreateFile(ctx context.Context, parentID int64, path, name string, meta dal.Meta) (int64, error) {
	return f.create(ctx, parentID, path, name, meta)
}

func (f *Fake) CreateDir(ctx context.Context, parentID int64, path, name string, meta dal.Meta) (int64, error) {
	return f.create(ctx, parentID, path, name, meta)
}

func (f *Fake) DeleteFile(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return pgerrors.NotFound("pgtest", "delete_file", "")
	}
	if dal.IsDir(n.meta.Mode) {
		return pgerrors.IsDirectory("pgtest", "delete_file", n.path)
	}
	delete(f.children[n.meta.ParentID], n.name)
	delete(f.inodes, id)
	return nil
}

func (f *Fake) DeleteDir(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return pgerrors.NotFound("pgtest", "delete_dir", "")
	}
	if len(f.children[id]) > 0 {
		return pgerrors.NotEmpty("pgtest", "delete_dir", n.path)
	}
	delete(f.children[n.meta.ParentID], n.name)
	delete(f.children, id)
	delete(f.inodes, id)
	return nil
}

func (f *Fake) ReadBuf(ctx context.Context, blockSize, id, offset, size int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return nil, pgerrors.NotFound("pgtest", "read_buf", "")
	}
	fileSize := n.meta.Size
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
		block := n.blocks[blockNo]
		if block == nil {
			block = make([]byte, blockSize)
		}
		blockStart := blockNo * blockSize
		srcFrom := max64(offset, blockStart) - blockStart
		srcTo := min64(offset+size, blockStart+blockSize) - blockStart
		destFrom := max64(offset, blockStart) - offset
		if srcTo > int64(len(block)) {
			srcTo = int64(len(block))
		}
		if srcFrom < srcTo {
			copy(out[destFrom:], block[srcFrom:srcTo])
		}
	}
	return out, nil
}

func (f *Fake) WriteBuf(ctx context.Context, blockSize, id, offset int64, buf []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return 0, pgerrors.NotFound("pgtest", "write_buf", "")
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if n.blocks == nil {
		n.blocks = make(map[int64][]byte)
	}

	startBlock := offset / blockSize
	endBlock := (offset + int64(len(buf)) - 1) / blockSize
	for blockNo := startBlock; blockNo <= endBlock; blockNo++ {
		block := n.blocks[blockNo]
		if block == nil {
			block = make([]byte, blockSize)
		}
		blockStart := blockNo * blockSize
		destFrom := max64(offset, blockStart) - blockStart
		destTo := min64(offset+int64(len(buf)), blockStart+blockSize) - blockStart
		srcFrom := max64(offset, blockStart) - offset
		copy(block[destFrom:destTo], buf[srcFrom:srcFrom+(destTo-destFrom)])
		n.blocks[blockNo] = block
	}
	return int64(len(buf)), nil
}

func (f *Fake) Truncate(ctx context.Context, blockSize, id, newSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[id]
	if !ok {
		return pgerrors.NotFound("pgtest", "truncate", "")
	}
	newBlockCount := (newSize + blockSize - 1) / blockSize
	if newSize <= 0 {
		newBlockCount = 0
	}
	for blockNo := range n.blocks {
		if blockNo >= newBlockCount {
			delete(n.blocks, blockNo)
		}
	}
	for b := int64(0); b < newBlockCount; b++ {
		if _, ok := n.blocks[b]; !ok {
			n.blocks[b] = make([]byte, blockSize)
		}
	}
	if newSize > 0 {
		if tail := newSize % blockSize; tail != 0 {
			last := newBlockCount - 1
			block := n.blocks[last]
			for i := tail; i < int64(len(block)); i++ {
				block[i] = 0
			}
		}
	}
	return nil
}

func (f *Fake) Rename(ctx context.Context, fromID, toParentID int64, newName, fromPath, toPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inodes[fromID]
	if !ok {
		return pgerrors.NotFound("pgtest", "rename", fromPath)
	}
	if kids, ok := f.children[toParentID]; ok {
		if _, exists := kids[newName]; exists {
			return pgerrors.AlreadyExists("pgtest", "rename", toPath)
		}
	}

	delete(f.children[n.meta.ParentID], n.name)
	if f.children[toParentID] == nil {
		f.children[toParentID] = make(map[string]int64)
	}
	f.children[toParentID][newName] = fromID

	oldPath := n.path
	n.meta.ParentID = toParentID
	n.name = newName
	n.path = toPath

	if dal.IsDir(n.meta.Mode) {
		for id, other := range f.inodes {
			if id == fromID {
				continue
			}
			if strings.HasPrefix(other.path, oldPath+"/") {
				other.path = toPath + strings.TrimPrefix(other.path, oldPath)
			}
		}
	}
	return nil
}

func (f *Fake) GetTablespaceLocations(ctx context.Context) ([]string, error) {
	return []string{"/var/lib/postgresql/data"}, nil
}

func (f *Fake) GetFSBlocksUsed(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, n := range f.inodes {
		total += int64(len(n.blocks))
	}
	return total, nil
}

func (f *Fake) GetFSFilesUsed(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.inodes)) - 1, nil // exclude the self-referential root
}

func (f *Fake) GetBlockSize(ctx context.Context) (int64, error) {
	return 4096, nil
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

var _ dal.DAL = (*Fake)(nil)
