// Package probe is the POSIX platform abstraction for SBH (spec.md
// §4.1, §9 "filesystem probe portability").
//
// ListMounts and Sample wrap golang.org/x/sys/unix's statfs-family
// syscalls. The mount-table parsing strategy (split /proc/mounts on
// whitespace, dedupe by device, skip a pseudo-filesystem denylist) is
// grounded on the retrieved xtop repository's
// collector/filesystem.go, generalized from syscall.Statfs_t to
// unix.Statfs_t so the rest of the probe's syscall surface (Fallocate
// in the ballast manager) shares one import.
//
// An error from the syscall maps to sbherr.FilesystemStats and the
// mount is skipped for that tick — it is never silently reported as
// healthy (spec.md §4.1).

package probe

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sbhd/sbhd/internal/model"
	"github.com/sbhd/sbhd/internal/sbherr"
)

// pseudoFS lists filesystem types that are never real block-backed
// mounts and are always skipped.
var pseudoFS = map[string]bool{
	"sysfs": true, "proc": true, "devtmpfs": true,
	"cgroup": true, "cgroup2": true, "debugfs": true, "tracefs": true,
	"securityfs": true, "hugetlbfs": true, "mqueue": true, "fusectl": true,
	"configfs": true, "pstore": true, "bpf": true,
	"rpc_pipefs": true, "nsfs": true, "autofs": true, "efivarfs": true,
	"squashfs": true, "iso9660": true, "devpts": true,
}

// networkFS lists filesystem types excluded unless config opts in.
var networkFS = map[string]bool{
	"nfs": true, "nfs4": true, "cifs": true, "smb": true, "smb3": true,
	"fuse.sshfs": true, "ceph": true, "glusterfs": true,
}

// overlayFS lists union/overlay filesystem types excluded by default.
var overlayFS = map[string]bool{
	"overlay": true, "aufs": true,
}

// specialFS lists memory-backed filesystem types treated as "special
// locations" with tighter thresholds rather than being skipped outright.
var specialFS = map[string]bool{
	"tmpfs": true, "ramfs": true,
}

// ListOptions controls ListMounts filtering.
type ListOptions struct {
	IncludeNetwork bool
	IncludeOverlay bool
}

// rawMount is one parsed /proc/mounts line.
type rawMount struct {
	Device     string
	MountPoint string
	FSType     string
}

func readProcMounts(path string) ([]rawMount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []rawMount
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		out = append(out, rawMount{Device: fields[0], MountPoint: fields[1], FSType: fields[2]})
	}
	return out, sc.Err()
}

// ListMounts returns the current set of mount descriptors, filtered to
// non-network, non-overlay filesystems unless opts opts in. Read-only
// mounts are not filtered out.
func ListMounts(opts ListOptions) ([]model.Mount, error) {
	raws, err := readProcMounts("/proc/mounts")
	if err != nil {
		return nil, sbherr.Wrap(sbherr.MountParse, "read /proc/mounts", err)
	}

	seen := make(map[string]bool)
	var mounts []model.Mount
	for _, r := range raws {
		if pseudoFS[r.FSType] {
			continue
		}
		if networkFS[r.FSType] && !opts.IncludeNetwork {
			continue
		}
		if overlayFS[r.FSType] && !opts.IncludeOverlay {
			continue
		}
		special := specialFS[r.FSType]
		if !special && !strings.HasPrefix(r.Device, "/") {
			continue
		}
		dedupeKey := r.Device + ":" + r.MountPoint
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true

		total, free, sErr := statPath(r.MountPoint)
		if sErr != nil {
			// Never silently report a failed mount as healthy: skip it
			// for this tick rather than fabricating zero values.
			continue
		}

		id := model.MountID{DeviceID: r.Device, Path: r.MountPoint}
		mounts = append(mounts, model.Mount{
			ID:         id,
			TotalBytes: total,
			FreeBytes:  free,
			Special:    special,
		})
	}
	return mounts, nil
}

// Sample returns current total/free bytes for a single mount using
// the POSIX statvfs-equivalent. Returns a sbherr.FilesystemStats error
// on syscall failure.
func Sample(mountPath string) (total, free uint64, err error) {
	total, free, statErr := statPath(mountPath)
	if statErr != nil {
		return 0, 0, sbherr.Wrap(sbherr.FilesystemStats, "statfs failed", statErr).WithPath(mountPath)
	}
	return total, free, nil
}

func statPath(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bfree * bsize, nil
}

// SpecialLocation carries the tighter threshold policy for a
// memory-backed or swap-adjacent mount.
type SpecialLocation struct {
	MountPoint     string
	Priority       float64
	FreeBufferFrac float64
	PollInterval   int // milliseconds
}

// DetectSpecialLocations enumerates tmpfs/ramfs mounts and the swap
// device, each with a priority weight and override threshold table
// (spec.md §4.1, e.g. /dev/shm uses a 20% free buffer, 3s poll).
func DetectSpecialLocations() ([]SpecialLocation, error) {
	raws, err := readProcMounts("/proc/mounts")
	if err != nil {
		return nil, sbherr.Wrap(sbherr.MountParse, "read /proc/mounts", err)
	}

	var out []SpecialLocation
	for _, r := range raws {
		if !specialFS[r.FSType] {
			continue
		}
		buffer := 0.10
		priority := 0.5
		poll := 5000
		if r.MountPoint == "/dev/shm" {
			buffer = 0.20
			priority = 0.9
			poll = 3000
		}
		out = append(out, SpecialLocation{
			MountPoint:     r.MountPoint,
			Priority:       priority,
			FreeBufferFrac: buffer,
			PollInterval:   poll,
		})
	}

	if swap, err := detectSwap(); err == nil && swap != "" {
		out = append(out, SpecialLocation{
			MountPoint:     swap,
			Priority:       0.7,
			FreeBufferFrac: 0.15,
			PollInterval:   5000,
		})
	}
	return out, nil
}

func detectSwap() (string, error) {
	f, err := os.Open("/proc/swaps")
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false // header line
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			return fields[0], nil
		}
	}
	return "", sc.Err()
}

// ParseDevFd parses a numeric PID from a /proc directory entry name.
// Returns ok=false for non-numeric entries (the common case: "self",
// "net", "mounts", etc).
func ParseDevFd(name string) (pid int, ok bool) {
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return n, true
}
