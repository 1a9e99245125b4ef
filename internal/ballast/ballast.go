// Package ballast provisions, verifies, releases, and replenishes
// sacrificial ballast files per mount (spec.md §4.8).
//
// Per-file state forms the small state machine spec.md §4.8
// describes: Absent -> Provisioning -> Present -> Releasing -> Absent,
// with Present -> Corrupt on verification failure and Corrupt ->
// Provisioning on the next provision call — mirroring the closed
// tagged-sum state style of the teacher's escalation.State, generalized
// from a PID isolation ladder to a per-file lifecycle.
package ballast

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/sbhd/sbhd/internal/sbherr"
	"github.com/sbhd/sbhd/internal/storage"
)

const headerMagic = "SBH_BALLAST_FILE_v1\n"

// FileState is the per-file closed tagged sum.
type FileState int

const (
	Absent FileState = iota
	Provisioning
	Present
	Releasing
	Corrupt
)

func (s FileState) String() string {
	switch s {
	case Provisioning:
		return "Provisioning"
	case Present:
		return "Present"
	case Releasing:
		return "Releasing"
	case Corrupt:
		return "Corrupt"
	default:
		return "Absent"
	}
}

// File describes one ballast file's identity and last-known state.
type File struct {
	Path           string
	PoolID         string
	Index          uint32
	IntendedSize   int64
	State          FileState
}

func headerBytes(poolID string, index uint32) []byte {
	buf := make([]byte, 0, len(headerMagic)+len(poolID)+4)
	buf = append(buf, []byte(headerMagic)...)
	buf = append(buf, []byte(poolID)...)
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, index)
	buf = append(buf, idx...)
	return buf
}

func checksum(header []byte) uint64 {
	return xxhash.Sum64(header)
}

// writeHeader writes the magic + pool id + index + checksum header at
// the start of an already-open file.
func writeHeader(f *os.File, poolID string, index uint32) error {
	header := headerBytes(poolID, index)
	sum := checksum(header)
	sumBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(sumBytes, sum)

	if _, err := f.WriteAt(append(header, sumBytes...), 0); err != nil {
		return err
	}
	return nil
}

func headerSize(poolID string) int64 {
	return int64(len(headerMagic)+len(poolID)+4) + 8 /* checksum */
}

func fileNameFor(dir, poolID string, index uint32) string {
	return filepath.Join(dir, fmt.Sprintf(".sbh-ballast-%s-%04d", poolID, index))
}

// Pool manages the ballast files for a single mount.
type Pool struct {
	mu sync.Mutex

	MountID   string
	Directory string
	PoolID    string
	FileSize  int64

	db       *storage.DB
	lockFile *os.File
}

// NewPool constructs a Pool bound to a BoltDB handle for metadata persistence.
func NewPool(mountID, directory, poolID string, fileSize int64, db *storage.DB) *Pool {
	return &Pool{MountID: mountID, Directory: directory, PoolID: poolID, FileSize: fileSize, db: db}
}

// Lock acquires the per-pool lock file via O_EXCL create, preventing
// concurrent mutation by another process.
func (p *Pool) Lock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockFile != nil {
		return nil
	}
	lockPath := filepath.Join(p.Directory, ".sbh-ballast.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return sbherr.Wrap(sbherr.Io, "acquire ballast pool lock", err).WithPath(lockPath)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	p.lockFile = f
	return nil
}

// Unlock releases the pool lock file.
func (p *Pool) Unlock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockFile == nil {
		return nil
	}
	path := p.lockFile.Name()
	p.lockFile.Close()
	p.lockFile = nil
	return os.Remove(path)
}

// Provision creates fileCount files of p.FileSize in p.Directory. It
// prefers unix.Fallocate (instant reserve-without-write); falls back
// to writing crypto/rand-sourced bytes on EOPNOTSUPP to defeat
// reflink/copy-on-write deduplication.
func (p *Pool) Provision(fileCount int) ([]File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var files []File
	for i := 0; i < fileCount; i++ {
		idx := uint32(i)
		path := fileNameFor(p.Directory, p.PoolID, idx)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return files, sbherr.Wrap(sbherr.Io, "create ballast file", err).WithPath(path)
		}

		if err := writeHeader(f, p.PoolID, idx); err != nil {
			f.Close()
			return files, sbherr.Wrap(sbherr.Io, "write ballast header", err).WithPath(path)
		}

		remaining := p.FileSize - headerSize(p.PoolID)
		if remaining > 0 {
			if err := allocateRemainder(f, headerSize(p.PoolID), remaining); err != nil {
				f.Close()
				return files, sbherr.Wrap(sbherr.Io, "reserve ballast body", err).WithPath(path)
			}
		}
		f.Close()

		files = append(files, File{Path: path, PoolID: p.PoolID, Index: idx, IntendedSize: p.FileSize, State: Present})
	}

	if p.db != nil {
		err := p.db.PutPool(storage.PoolRecord{
			MountID:       p.MountID,
			Directory:     p.Directory,
			IntendedCount: fileCount,
			FileSizeBytes: p.FileSize,
			LockOwnerPID:  os.Getpid(),
		})
		if err != nil {
			return files, sbherr.Wrap(sbherr.Sqlite, "persist pool metadata", err)
		}
	}

	return files, nil
}

// allocateRemainder reserves `size` bytes starting at `offset` using
// fallocate where supported; falls back to writing random bytes.
func allocateRemainder(f *os.File, offset, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, offset, size)
	if err == nil {
		return nil
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return writeRandomBody(f, offset, size)
	}
	return err
}

func writeRandomBody(f *os.File, offset, size int64) error {
	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	remaining := size
	at := offset
	for remaining > 0 {
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.WriteAt(buf[:n], at); err != nil {
			return err
		}
		at += n
		remaining -= n
	}
	return nil
}

// Verify re-reads headers for the given files and validates their
// checksum, returning the subset found Corrupt.
func (p *Pool) Verify(files []File) ([]File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var corrupt []File
	for _, file := range files {
		ok, err := verifyOne(file.Path, file.PoolID, file.Index)
		if err != nil || !ok {
			file.State = Corrupt
			corrupt = append(corrupt, file)
		}
	}
	return corrupt, nil
}

func verifyOne(path, poolID string, index uint32) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := headerBytes(poolID, index)
	got := make([]byte, len(header))
	if _, err := f.ReadAt(got, 0); err != nil {
		return false, err
	}

	sumBytes := make([]byte, 8)
	if _, err := f.ReadAt(sumBytes, int64(len(header))); err != nil {
		return false, err
	}
	wantSum := binary.BigEndian.Uint64(sumBytes)

	for i := range header {
		if got[i] != header[i] {
			return false, nil
		}
	}
	return checksum(header) == wantSum, nil
}

// Release deletes the first n files (by index, stable order) and
// returns total bytes freed. Atomic with respect to a concurrent
// Verify call via the pool mutex.
func (p *Pool) Release(files []File, n int) ([]File, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	if n > len(sorted) {
		n = len(sorted)
	}

	var freed int64
	var released []File
	for i := 0; i < n; i++ {
		f := sorted[i]
		info, err := os.Stat(f.Path)
		if err != nil {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			return released, freed, sbherr.Wrap(sbherr.Io, "release ballast file", err).WithPath(f.Path)
		}
		freed += info.Size()
		f.State = Absent
		released = append(released, f)
	}
	return released, freed, nil
}

// Replenish recreates a single missing file. It applies no cooldown or
// pressure check of its own; the caller decides when to call it.
func (p *Pool) Replenish(index uint32) (File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := fileNameFor(p.Directory, p.PoolID, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return File{}, sbherr.Wrap(sbherr.Io, "replenish ballast file", err).WithPath(path)
	}
	defer f.Close()

	if err := writeHeader(f, p.PoolID, index); err != nil {
		return File{}, sbherr.Wrap(sbherr.Io, "write replenished header", err).WithPath(path)
	}
	remaining := p.FileSize - headerSize(p.PoolID)
	if remaining > 0 {
		if err := allocateRemainder(f, headerSize(p.PoolID), remaining); err != nil {
			return File{}, sbherr.Wrap(sbherr.Io, "reserve replenished body", err).WithPath(path)
		}
	}

	return File{Path: path, PoolID: p.PoolID, Index: index, IntendedSize: p.FileSize, State: Present}, nil
}
