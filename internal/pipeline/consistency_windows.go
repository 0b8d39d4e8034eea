//go:build windows

package pipeline

import "os"

// platformFileID has no portable (dev, ino) equivalent on Windows without
// opening the file via syscall.GetFileInformationByHandle; identity
// collapses to size+mtime here per the documented platform limitation.
func platformFileID(fi os.FileInfo) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
