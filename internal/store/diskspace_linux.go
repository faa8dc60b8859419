package store

import "golang.org/x/sys/unix"

// freeSpace returns the bytes free on the filesystem holding path.
func freeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bfree) * int64(stat.Bsize), nil
}
