package endpoint

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// statfsFree reports free capacity at path via statfs(2), the same
// syscall family the teacher's golang.org/x/sys dependency is used for
// elsewhere in the ecosystem (platform syscalls instead of shelling out
// to `df`).
func statfsFree(path string) (FreeBytes, error) {
	var buf unix.Statfs_t
	if err := unix.Statfs(path, &buf); err != nil {
		return FreeBytes{}, err
	}
	return FreeBytes{
		FilesystemFree: uint64(buf.Bsize) * buf.Bavail, //nolint:unconvert
	}, nil
}

// isMountPoint reports whether path is itself a mount point, by
// comparing the device id of path against that of its parent directory:
// a path that is a mount point sits on a different device than its
// parent (the classic `mountpoint`/coreutils `stat -c %d` trick).
func isMountPoint(path string) (bool, error) {
	var st, parentSt unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	parent := filepath.Dir(path)
	if err := unix.Stat(parent, &parentSt); err != nil {
		return false, err
	}
	return st.Dev != parentSt.Dev, nil
}
