// Open-file detection for the executor's hard-veto gate (spec.md §4.6
// step 6 "not held open by a live process"). Grounded on the same
// /proc-walking approach xtop's collector package uses for process
// enumeration, narrowed here to the fd symlink table.
//
// This is a best-effort, racy-by-nature check: a process can open the
// file microseconds after OpenFiles returns. The executor checks each
// candidate against the set once and then removes it directly with
// os.Remove; a file opened after the scan is not detected.

package probe

import (
	"os"
	"path/filepath"
)

// OpenFiles builds a set of absolute paths currently held open by any
// process, by resolving every /proc/<pid>/fd/<n> symlink. Permission
// errors reading another user's fd directory are expected and skipped
// silently — they are not evidence the file is closed, but SBH is not
// expected to run with ptrace-level privilege over arbitrary users.
func OpenFiles() (map[string]bool, error) {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	open := make(map[string]bool)
	for _, pe := range procEntries {
		if !pe.IsDir() {
			continue
		}
		if _, ok := ParseDevFd(pe.Name()); !ok {
			continue
		}
		fdDir := filepath.Join("/proc", pe.Name(), "fd")
		fdEntries, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or fd dir unreadable; not fatal
		}
		for _, fe := range fdEntries {
			link := filepath.Join(fdDir, fe.Name())
			target, err := os.Readlink(link)
			if err != nil {
				continue
			}
			open[target] = true
		}
	}
	return open, nil
}

// IsOpen is a convenience check against a previously built OpenFiles set.
func IsOpen(openSet map[string]bool, path string) bool {
	return openSet[path]
}
