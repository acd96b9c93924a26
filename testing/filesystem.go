package testing

import (
	"testing"

	"github.com/stratofs/stratofs/fs"
	"github.com/stretchr/testify/require"
)

// CreateTestFileSystem formats an in-memory image and mounts it. It either
// succeeds or fails the test.
func CreateTestFileSystem(
	t *testing.T,
	totalSectors int,
	numDirEntries int,
) *fs.FileSystem {
	device := CreateBlankDevice(t, totalSectors)

	fsys, err := fs.Mount(device, fs.Config{
		Format:        true,
		NumDirEntries: numDirEntries,
	})
	require.NoError(t, err, "failed to format and mount the test file system")
	return fsys
}
