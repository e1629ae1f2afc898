package pathutil

import (
	"golang.org/x/sys/unix"
)

// DiskSpace holds information about disk space usage
type DiskSpace struct {
	Total int64
	Free  int64
	Used  int64
}

// GetDiskSpace returns space information for the filesystem holding path.
// Free counts only the blocks available to unprivileged users.
func GetDiskSpace(path string) (DiskSpace, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskSpace{}, err
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)

	return DiskSpace{
		Total: total,
		Free:  free,
		Used:  total - int64(stat.Bfree)*int64(stat.Bsize),
	}, nil
}
