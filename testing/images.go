// Package testing provides fixtures shared by the stratofs test suites.
package testing

import (
	"io"
	"testing"

	"github.com/stratofs/stratofs"
	"github.com/stratofs/stratofs/disk"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateBlankImageStream returns an in-memory stream holding `totalSectors`
// zeroed sectors. Writes to the stream never touch the host file system.
func CreateBlankImageStream(t *testing.T, totalSectors int) io.ReadWriteSeeker {
	require.Greater(t, totalSectors, 0, "image must have at least one sector")

	imageBytes := make([]byte, totalSectors*stratofs.SectorSize)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}

// CreateBlankDevice returns a sector device backed by an in-memory image of
// `totalSectors` zeroed sectors. It either succeeds or fails the test.
func CreateBlankDevice(t *testing.T, totalSectors int) *disk.Image {
	stream := CreateBlankImageStream(t, totalSectors)

	device, err := disk.NewImage(stream, totalSectors)
	require.NoError(t, err, "failed to create in-memory sector device")
	return device
}
