// Package statfs implements the best-effort free-space aggregation spec.md
// §4.5 describes: resolve the tablespaces backing pgfuse's own tables,
// find the host mount that serves each one, and report the worst-case
// (minimum) free and available space across the distinct mounts found.
package statfs

import (
	"bufio"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pgfuse/pgfuse/internal/dal"
	"github.com/pgfuse/pgfuse/internal/pgerrors"
	"github.com/pgfuse/pgfuse/internal/pglog"
)

const mountsFile = "/proc/mounts"

// Stats is the aggregated result, in units of blockSize, ready to drop
// into a fuse.StatfsOut.
type Stats struct {
	BlocksTotal int64
	BlocksFree  int64
	BlocksAvail int64
	FilesTotal  int64
	FilesFree   int64
	FilesAvail  int64
}

// filesFreeSentinel stands in for "no limit" on the number of files pgfuse
// can still create (spec.md §4.5 step 5: "files_free treated as
// effectively unbounded").
const filesFreeSentinel = math.MaxInt32

// Collect runs the full statfs algorithm: tablespace locations from d,
// resolved to real paths, matched against the host mount table, aggregated
// with get_fs_blocks_used/get_fs_files_used.
func Collect(ctx context.Context, d dal.DAL, blockSize int64, log *pglog.Logger) (Stats, error) {
	locations, err := d.GetTablespaceLocations(ctx)
	if err != nil {
		return Stats{}, err
	}

	resolved := make([]string, 0, len(locations))
	for _, loc := range locations {
		real, err := filepath.EvalSymlinks(loc)
		if err != nil {
			// Most likely a permission problem reading the tablespace
			// directory; statfs is best-effort so this location is simply
			// dropped rather than failing the whole call.
			if log != nil {
				log.Warnf("statfs: realpath for %q failed: %v", loc, err)
			}
			continue
		}
		resolved = append(resolved, real)
	}

	mounts, err := readMountTable(mountsFile)
	if err != nil {
		return Stats{}, pgerrors.Wrap("statfs", "read_mount_table", err)
	}

	matched := make(map[string]bool)
	for _, loc := range resolved {
		if m := longestPrefixMount(mounts, loc); m != "" {
			matched[m] = true
		}
	}

	blocksFree := int64(math.MaxInt64)
	blocksAvail := int64(math.MaxInt64)
	for mount := range matched {
		var fs syscall.Statfs_t
		if err := syscall.Statfs(mount, &fs); err != nil {
			if log != nil {
				log.Errorf("statfs: statfs on %q failed: %v", mount, err)
			}
			continue
		}
		free := (int64(fs.Bfree) * int64(fs.Frsize)) / blockSize
		avail := (int64(fs.Bavail) * int64(fs.Frsize)) / blockSize
		if free < blocksFree {
			blocksFree = free
		}
		if avail < blocksAvail {
			blocksAvail = avail
		}
	}
	if len(matched) == 0 {
		blocksFree, blocksAvail = 0, 0
	}

	blocksUsed, err := d.GetFSBlocksUsed(ctx)
	if err != nil {
		return Stats{}, err
	}
	filesUsed, err := d.GetFSFilesUsed(ctx)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		BlocksTotal: blocksAvail + blocksUsed,
		BlocksFree:  blocksFree,
		BlocksAvail: blocksAvail,
		FilesTotal:  filesFreeSentinel + filesUsed,
		FilesFree:   filesFreeSentinel,
		FilesAvail:  filesFreeSentinel,
	}, nil
}

// mountEntry is the subset of a /proc/mounts line statfs needs.
type mountEntry struct {
	dir string
}

func readMountTable(path string) ([]mountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []mountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, mountEntry{dir: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// longestPrefixMount returns the mount directory that is the longest
// prefix of target, matching the mtab-walk in pgfuse.c's pgfuse_statfs:
// among every mount whose directory prefixes target, the most specific
// (longest) one is the mount actually serving that path.
func longestPrefixMount(mounts []mountEntry, target string) string {
	best := ""
	for _, m := range mounts {
		if m.dir == "" {
			continue
		}
		if strings.HasPrefix(target, m.dir) && len(m.dir) > len(best) {
			best = m.dir
		}
	}
	return best
}
