package disk_test

import (
	"bytes"
	"testing"

	"github.com/stratofs/stratofs"
	"github.com/stratofs/stratofs/disk"
	fstest "github.com/stratofs/stratofs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func TestImage__New__RejectsWrongSize(t *testing.T) {
	// One byte short of 16 sectors.
	stream := bytesextra.NewReadWriteSeeker(make([]byte, 16*stratofs.SectorSize-1))
	_, err := disk.NewImage(stream, 16)
	assert.ErrorIs(t, err, stratofs.ErrInvalidArgument)

	_, err = disk.NewImage(stream, 0)
	assert.ErrorIs(t, err, stratofs.ErrInvalidArgument)
}

func TestImage__ReadWrite__RoundTrip(t *testing.T) {
	device := fstest.CreateBlankDevice(t, 64)

	writeBuffer := bytes.Repeat([]byte{0xa5}, stratofs.SectorSize)
	require.NoError(t, device.WriteSector(17, writeBuffer))

	readBuffer := make([]byte, stratofs.SectorSize)
	require.NoError(t, device.ReadSector(17, readBuffer))
	assert.Equal(t, writeBuffer, readBuffer)

	// Neighboring sectors stay zeroed.
	require.NoError(t, device.ReadSector(16, readBuffer))
	assert.Equal(t, make([]byte, stratofs.SectorSize), readBuffer)
	require.NoError(t, device.ReadSector(18, readBuffer))
	assert.Equal(t, make([]byte, stratofs.SectorSize), readBuffer)
}

func TestImage__ReadWrite__Bounds(t *testing.T) {
	device := fstest.CreateBlankDevice(t, 16)
	buffer := make([]byte, stratofs.SectorSize)

	assert.NoError(t, device.ReadSector(0, buffer))
	assert.NoError(t, device.ReadSector(15, buffer))

	assert.ErrorIs(t, device.ReadSector(16, buffer), stratofs.ErrSectorOutOfRange)
	assert.ErrorIs(t, device.ReadSector(-1, buffer), stratofs.ErrSectorOutOfRange)
	assert.ErrorIs(t, device.WriteSector(16, buffer), stratofs.ErrSectorOutOfRange)
}

func TestImage__ReadWrite__RejectsPartialBuffers(t *testing.T) {
	device := fstest.CreateBlankDevice(t, 16)

	shortBuffer := make([]byte, stratofs.SectorSize-1)
	assert.ErrorIs(t, device.ReadSector(0, shortBuffer), stratofs.ErrInvalidArgument)
	assert.ErrorIs(t, device.WriteSector(0, shortBuffer), stratofs.ErrInvalidArgument)

	longBuffer := make([]byte, stratofs.SectorSize+1)
	assert.ErrorIs(t, device.WriteSector(0, longBuffer), stratofs.ErrInvalidArgument)
}
