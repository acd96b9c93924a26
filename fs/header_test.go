package fs

import (
	"testing"

	"github.com/stratofs/stratofs"
	"github.com/stratofs/stratofs/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func newBlankDevice(t *testing.T, totalSectors int) *disk.Image {
	stream := bytesextra.NewReadWriteSeeker(
		make([]byte, totalSectors*stratofs.SectorSize))
	device, err := disk.NewImage(stream, totalSectors)
	require.NoError(t, err)
	return device
}

func TestChildCapacity(t *testing.T) {
	assert.EqualValues(t, 0, childCapacity(0))
	assert.EqualValues(t, 0, childCapacity(1))
	assert.EqualValues(t, 0, childCapacity(BytesLevel1))
	assert.EqualValues(t, BytesLevel1, childCapacity(BytesLevel1+1))
	assert.EqualValues(t, BytesLevel1, childCapacity(BytesLevel2))
	assert.EqualValues(t, BytesLevel2, childCapacity(BytesLevel2+1))
	assert.EqualValues(t, BytesLevel3, childCapacity(BytesLevel4))
	assert.EqualValues(t, BytesLevel4, childCapacity(BytesLevel4+1))
}

func TestSectorsRequired(t *testing.T) {
	assert.EqualValues(t, 0, SectorsRequired(0))
	assert.EqualValues(t, 1, SectorsRequired(1))
	assert.EqualValues(t, 1, SectorsRequired(stratofs.SectorSize))
	assert.EqualValues(t, 2, SectorsRequired(stratofs.SectorSize+1))
	assert.EqualValues(t, NumDirect, SectorsRequired(BytesLevel1))

	// 5000 bytes: two children at the first interior level, one full (30 data
	// sectors) and one holding the remaining 1160 bytes (10 data sectors).
	assert.EqualValues(t, 2+30+10, SectorsRequired(5000))
}

func TestFileHeader__Allocate__Direct(t *testing.T) {
	device := newBlankDevice(t, 64)
	freeMap := NewBitmap(64)

	hdr := &FileHeader{}
	require.NoError(t, hdr.Allocate(device, freeMap, 600))

	assert.EqualValues(t, 600, hdr.FileLength())
	assert.Equal(t, 64-5, freeMap.CountClear(), "600 bytes should take 5 sectors")

	// Every addressable byte must land in an allocated sector.
	for offset := int64(0); offset < 600; offset += 97 {
		sector, err := hdr.ByteToSector(device, offset)
		require.NoError(t, err)
		assert.Truef(t, freeMap.Test(sector), "offset %d maps to free sector %d", offset, sector)
	}
}

// Newly allocated data sectors must be zeroed on disk even when the device
// held other bytes before, so stale data never leaks into a new file.
func TestFileHeader__Allocate__ZeroFillsDataSectors(t *testing.T) {
	totalSectors := 16
	imageBytes := make([]byte, totalSectors*stratofs.SectorSize)
	for i := range imageBytes {
		imageBytes[i] = 0xff
	}
	device, err := disk.NewImage(bytesextra.NewReadWriteSeeker(imageBytes), totalSectors)
	require.NoError(t, err)

	freeMap := NewBitmap(totalSectors)
	hdr := &FileHeader{}
	require.NoError(t, hdr.Allocate(device, freeMap, 300))

	buffer := make([]byte, stratofs.SectorSize)
	for offset := int64(0); offset < 300; offset += stratofs.SectorSize {
		sector, err := hdr.ByteToSector(device, offset)
		require.NoError(t, err)
		require.NoError(t, device.ReadSector(sector, buffer))
		assert.Equal(t, make([]byte, stratofs.SectorSize), buffer)
	}
}

func TestFileHeader__Allocate__MultiLevel(t *testing.T) {
	device := newBlankDevice(t, 256)
	freeMap := NewBitmap(256)

	hdr := &FileHeader{}
	require.NoError(t, hdr.Allocate(device, freeMap, 5000))

	assert.EqualValues(t, 5000, hdr.FileLength())
	assert.Equal(t, 256-42, freeMap.CountClear())

	for _, offset := range []int64{0, 127, 128, 3839, 3840, 4999} {
		sector, err := hdr.ByteToSector(device, offset)
		require.NoErrorf(t, err, "offset %d failed to translate", offset)
		assert.Truef(t, freeMap.Test(sector), "offset %d maps to free sector %d", offset, sector)
	}

	// Offsets on either side of the first interior boundary live in different
	// sectors.
	s1, err := hdr.ByteToSector(device, 3839)
	require.NoError(t, err)
	s2, err := hdr.ByteToSector(device, 3840)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

// 200000 bytes sits between BytesLevel2 and BytesLevel3, so the index tree
// is two interior levels deep: two second-level children, each fanning out
// into up to 30 direct-level children.
func TestFileHeader__Allocate__DeepTree(t *testing.T) {
	const fileSize = 200000
	const totalSectors = 2048
	require.Greater(t, int64(fileSize), int64(BytesLevel2))

	device := newBlankDevice(t, totalSectors)
	freeMap := NewBitmap(totalSectors)

	headerSector, err := freeMap.FindAndSet()
	require.NoError(t, err)

	hdr := &FileHeader{}
	require.NoError(t, hdr.Allocate(device, freeMap, fileSize))

	// 1563 data sectors plus 2 second-level and 53 direct-level interior
	// headers.
	assert.EqualValues(t, 1618, SectorsRequired(fileSize))
	assert.EqualValues(t, totalSectors-1618-1, freeMap.CountClear())

	require.NoError(t, hdr.WriteBack(device, headerSector))
	reloaded := &FileHeader{}
	require.NoError(t, reloaded.FetchFrom(device, headerSector))
	assert.EqualValues(t, fileSize, reloaded.FileLength())

	// Translation must descend both interior levels, land every offset in an
	// allocated sector, and cross a sector boundary at the second-level seam.
	offsets := []int64{0, BytesLevel1, BytesLevel2 - 1, BytesLevel2, fileSize - 1}
	for _, offset := range offsets {
		sector, err := reloaded.ByteToSector(device, offset)
		require.NoErrorf(t, err, "offset %d failed to translate", offset)
		assert.Truef(t, freeMap.Test(sector), "offset %d maps to free sector %d", offset, sector)
	}
	s1, err := reloaded.ByteToSector(device, BytesLevel2-1)
	require.NoError(t, err)
	s2, err := reloaded.ByteToSector(device, BytesLevel2)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	// The deepest data sector must have been zero-filled like any other.
	buffer := make([]byte, stratofs.SectorSize)
	lastSector, err := reloaded.ByteToSector(device, fileSize-1)
	require.NoError(t, err)
	require.NoError(t, device.ReadSector(lastSector, buffer))
	assert.Equal(t, make([]byte, stratofs.SectorSize), buffer)

	require.NoError(t, reloaded.Deallocate(device, freeMap))
	require.NoError(t, freeMap.Clear(headerSector))
	assert.Equal(t, totalSectors, freeMap.CountClear(),
		"deep tree leaked sectors through an allocate/deallocate cycle")
}

func TestFileHeader__Allocate__FailureLeavesBitmapUntouched(t *testing.T) {
	device := newBlankDevice(t, 16)
	freeMap := NewBitmap(16)

	hdr := &FileHeader{}
	err := hdr.Allocate(device, freeMap, 16*stratofs.SectorSize+1)
	assert.ErrorIs(t, err, stratofs.ErrNoSpaceOnDevice)
	assert.Equal(t, 16, freeMap.CountClear(), "failed allocation consumed sectors")
}

func TestFileHeader__Allocate__RejectsOversizedFiles(t *testing.T) {
	device := newBlankDevice(t, 16)
	freeMap := NewBitmap(16)

	hdr := &FileHeader{}
	assert.ErrorIs(t, hdr.Allocate(device, freeMap, -1), stratofs.ErrFileTooLarge)
	assert.ErrorIs(t, hdr.Allocate(device, freeMap, MaxFileSize+1), stratofs.ErrFileTooLarge)
}

func TestFileHeader__Deallocate__ReturnsEverySector(t *testing.T) {
	device := newBlankDevice(t, 256)
	freeMap := NewBitmap(256)

	for _, size := range []int64{0, 1, 600, BytesLevel1, 5000, 20000} {
		hdr := &FileHeader{}
		require.NoErrorf(t, hdr.Allocate(device, freeMap, size), "size %d", size)
		require.NoErrorf(t, hdr.Deallocate(device, freeMap), "size %d", size)
		assert.Equalf(t, 256, freeMap.CountClear(),
			"size %d leaked sectors through an allocate/deallocate cycle", size)
	}
}

func TestFileHeader__WriteBackFetchFrom__RoundTrip(t *testing.T) {
	device := newBlankDevice(t, 64)
	freeMap := NewBitmap(64)
	freeMap.Mark(7)

	original := &FileHeader{}
	require.NoError(t, original.Allocate(device, freeMap, 1000))
	require.NoError(t, original.WriteBack(device, 7))

	fetched := &FileHeader{}
	require.NoError(t, fetched.FetchFrom(device, 7))

	assert.Equal(t, original.numBytes, fetched.numBytes)
	assert.Equal(t, original.numSectors, fetched.numSectors)
	assert.Equal(t, original.dataSectors, fetched.dataSectors)
}

func TestFileHeader__ByteToSector__OutOfRange(t *testing.T) {
	device := newBlankDevice(t, 64)
	freeMap := NewBitmap(64)

	hdr := &FileHeader{}
	require.NoError(t, hdr.Allocate(device, freeMap, 100))

	_, err := hdr.ByteToSector(device, 100)
	assert.ErrorIs(t, err, stratofs.ErrInvalidArgument)
	_, err = hdr.ByteToSector(device, -1)
	assert.ErrorIs(t, err, stratofs.ErrInvalidArgument)
}
