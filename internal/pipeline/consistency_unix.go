//go:build !windows

package pipeline

import (
	"os"
	"syscall"
)

// platformFileID extracts (dev, ino) from a POSIX os.FileInfo for the
// consistency fingerprint's strongest identity check.
func platformFileID(fi os.FileInfo) (dev, ino uint64, ok bool) {
	st, isStatT := fi.Sys().(*syscall.Stat_t)
	if !isStatT {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}
