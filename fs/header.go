package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/noxer/bytewriter"
	"github.com/stratofs/stratofs"
)

// NumDirect is the number of sector pointers in one file header. A header is
// exactly one sector: 4 bytes of size, 4 bytes of sector count, and the
// pointer array.
const NumDirect = (stratofs.SectorSize - 8) / 4

// Capacity thresholds for the indirection ladder. A header whose file size is
// at most BytesLevel1 points straight at data sectors; beyond that, each
// pointer addresses a child header covering the next level down.
const (
	BytesLevel1 = NumDirect * stratofs.SectorSize
	BytesLevel2 = NumDirect * BytesLevel1
	BytesLevel3 = NumDirect * BytesLevel2
	BytesLevel4 = int64(NumDirect) * BytesLevel3
)

// MaxFileSize is the largest file the index structure can describe. The
// four-level tree can address more, but sizes are stored in 32 bits on disk.
const MaxFileSize = int64(math.MaxInt32)

// FileHeader describes where on disk a file's bytes live: the file's size and
// a fixed table of sector pointers. Whether the pointers address data sectors
// or further headers is not stored; it is derived from the file size through
// childCapacity, the single source of truth shared by Allocate, Deallocate
// and ByteToSector.
//
// A header is created empty, populated exactly once by Allocate or FetchFrom,
// and torn down exactly once by Deallocate.
type FileHeader struct {
	numBytes    int32
	numSectors  int32
	dataSectors [NumDirect]int32
}

// rawHeader is the on-disk layout of a FileHeader. It is exactly one sector.
type rawHeader struct {
	NumBytes    int32
	NumSectors  int32
	DataSectors [NumDirect]int32
}

// childCapacity returns the number of bytes each child subtree of a header
// with the given file size covers, or 0 if the header is at the direct level
// and its pointers address data sectors.
func childCapacity(numBytes int64) int64 {
	switch {
	case numBytes > BytesLevel4:
		return BytesLevel4
	case numBytes > BytesLevel3:
		return BytesLevel3
	case numBytes > BytesLevel2:
		return BytesLevel2
	case numBytes > BytesLevel1:
		return BytesLevel1
	default:
		return 0
	}
}

func divRoundUp(value, divisor int64) int64 {
	return (value + divisor - 1) / divisor
}

// SectorsRequired returns the total number of sectors a file of the given
// size consumes, counting data sectors and the interior headers of the index
// tree. The header sector itself is not included; it is the caller's to
// allocate.
func SectorsRequired(fileSize int64) int64 {
	chunk := childCapacity(fileSize)
	if chunk == 0 {
		return divRoundUp(fileSize, stratofs.SectorSize)
	}

	total := int64(0)
	for remaining := fileSize; remaining > 0; remaining -= chunk {
		childSize := remaining
		if childSize > chunk {
			childSize = chunk
		}
		total += 1 + SectorsRequired(childSize)
	}
	return total
}

// Allocate claims sectors for a file of `fileSize` bytes out of the free map
// and builds the index tree, writing interior headers to disk as it goes.
// Newly claimed data sectors are zeroed on disk before use so a new file
// never exposes another file's stale bytes.
//
// If the free map cannot supply every sector the file needs - data sectors
// plus interior headers - Allocate fails up front with ErrNoSpaceOnDevice and
// leaves the free map untouched.
func (hdr *FileHeader) Allocate(
	dev stratofs.SectorDevice,
	freeMap *PersistentBitmap,
	fileSize int64,
) error {
	if fileSize < 0 || fileSize > MaxFileSize {
		return stratofs.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("file size %d not in [0, %d]", fileSize, MaxFileSize))
	}
	if SectorsRequired(fileSize) > int64(freeMap.CountClear()) {
		return stratofs.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"file of %d bytes needs %d sectors, %d free",
				fileSize,
				SectorsRequired(fileSize),
				freeMap.CountClear(),
			))
	}

	hdr.numBytes = int32(fileSize)
	hdr.numSectors = int32(divRoundUp(fileSize, stratofs.SectorSize))

	chunk := childCapacity(fileSize)
	if chunk == 0 {
		return hdr.allocateDirect(dev, freeMap)
	}

	for i, remaining := 0, fileSize; remaining > 0; i++ {
		sector, err := freeMap.FindAndSet()
		if err != nil {
			return err
		}
		hdr.dataSectors[i] = int32(sector)

		childSize := remaining
		if childSize > chunk {
			childSize = chunk
		}

		child := &FileHeader{}
		err = child.Allocate(dev, freeMap, childSize)
		if err != nil {
			return err
		}
		err = child.WriteBack(dev, sector)
		if err != nil {
			return err
		}

		remaining -= chunk
	}
	return nil
}

// allocateDirect claims the header's data sectors and zero-fills each one.
func (hdr *FileHeader) allocateDirect(
	dev stratofs.SectorDevice,
	freeMap *PersistentBitmap,
) error {
	zeroed := make([]byte, stratofs.SectorSize)

	for i := 0; i < int(hdr.numSectors); i++ {
		sector, err := freeMap.FindAndSet()
		if err != nil {
			return err
		}
		hdr.dataSectors[i] = int32(sector)

		err = dev.WriteSector(sector, zeroed)
		if err != nil {
			return err
		}
	}
	return nil
}

// Deallocate returns every sector the header transitively addresses to the
// free map: data sectors at the direct level, and child subtrees followed by
// the children's own header sectors at interior levels. A child's sectors are
// always cleared before the sector holding the child itself.
func (hdr *FileHeader) Deallocate(
	dev stratofs.SectorDevice,
	freeMap *PersistentBitmap,
) error {
	chunk := childCapacity(int64(hdr.numBytes))
	if chunk == 0 {
		for i := 0; i < int(hdr.numSectors); i++ {
			err := freeMap.Clear(int(hdr.dataSectors[i]))
			if err != nil {
				return err
			}
		}
		return nil
	}

	numChildren := int(divRoundUp(int64(hdr.numBytes), chunk))
	for i := 0; i < numChildren; i++ {
		child := &FileHeader{}
		err := child.FetchFrom(dev, int(hdr.dataSectors[i]))
		if err != nil {
			return err
		}
		err = child.Deallocate(dev, freeMap)
		if err != nil {
			return err
		}
		err = freeMap.Clear(int(hdr.dataSectors[i]))
		if err != nil {
			return err
		}
	}
	return nil
}

// ByteToSector translates a byte offset within the file to the disk sector
// holding that byte, descending one level of the index tree per call. Small
// files resolve with zero extra disk reads; a file at level k costs k header
// reads per translation.
func (hdr *FileHeader) ByteToSector(
	dev stratofs.SectorDevice,
	offset int64,
) (int, error) {
	if offset < 0 || offset >= int64(hdr.numBytes) {
		return -1, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("offset %d not in [0, %d)", offset, hdr.numBytes))
	}

	chunk := childCapacity(int64(hdr.numBytes))
	if chunk == 0 {
		return int(hdr.dataSectors[offset/stratofs.SectorSize]), nil
	}

	childIndex := offset / chunk
	child := &FileHeader{}
	err := child.FetchFrom(dev, int(hdr.dataSectors[childIndex]))
	if err != nil {
		return -1, err
	}
	return child.ByteToSector(dev, offset-childIndex*chunk)
}

// FetchFrom reads the header from the given disk sector.
func (hdr *FileHeader) FetchFrom(dev stratofs.SectorDevice, sector int) error {
	buffer := make([]byte, stratofs.SectorSize)
	err := dev.ReadSector(sector, buffer)
	if err != nil {
		return err
	}

	var raw rawHeader
	err = binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &raw)
	if err != nil {
		return stratofs.ErrFileSystemCorrupted.Wrap(err)
	}

	hdr.numBytes = raw.NumBytes
	hdr.numSectors = raw.NumSectors
	hdr.dataSectors = raw.DataSectors
	return nil
}

// WriteBack writes the header to the given disk sector.
func (hdr *FileHeader) WriteBack(dev stratofs.SectorDevice, sector int) error {
	raw := rawHeader{
		NumBytes:    hdr.numBytes,
		NumSectors:  hdr.numSectors,
		DataSectors: hdr.dataSectors,
	}

	buffer := make([]byte, stratofs.SectorSize)
	writer := bytewriter.New(buffer)
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return stratofs.ErrIOFailed.Wrap(err)
	}
	return dev.WriteSector(sector, buffer)
}

// FileLength returns the number of bytes in the file.
func (hdr *FileHeader) FileLength() int64 {
	return int64(hdr.numBytes)
}

// Describe dumps the header and, for interior headers, its children to `w`
// for debugging. Data sectors are rendered with printable bytes as-is and
// everything else escaped, matching the diagnostic format of Directory.
func (hdr *FileHeader) Describe(
	dev stratofs.SectorDevice,
	w io.Writer,
) error {
	fmt.Fprintf(w, "File header: size %d, sectors:", hdr.numBytes)
	pointersInUse := int(hdr.numSectors)
	if chunk := childCapacity(int64(hdr.numBytes)); chunk != 0 {
		pointersInUse = int(divRoundUp(int64(hdr.numBytes), chunk))
	}
	for i := 0; i < pointersInUse; i++ {
		fmt.Fprintf(w, " %d", hdr.dataSectors[i])
	}
	fmt.Fprintln(w)

	return hdr.describeContents(dev, w)
}

func (hdr *FileHeader) describeContents(
	dev stratofs.SectorDevice,
	w io.Writer,
) error {
	chunk := childCapacity(int64(hdr.numBytes))
	if chunk != 0 {
		numChildren := int(divRoundUp(int64(hdr.numBytes), chunk))
		for i := 0; i < numChildren; i++ {
			child := &FileHeader{}
			err := child.FetchFrom(dev, int(hdr.dataSectors[i]))
			if err != nil {
				return err
			}
			err = child.describeContents(dev, w)
			if err != nil {
				return err
			}
		}
		return nil
	}

	data := make([]byte, stratofs.SectorSize)
	remaining := int(hdr.numBytes)
	for i := 0; i < int(hdr.numSectors); i++ {
		err := dev.ReadSector(int(hdr.dataSectors[i]), data)
		if err != nil {
			return err
		}

		limit := remaining
		if limit > stratofs.SectorSize {
			limit = stratofs.SectorSize
		}
		for _, b := range data[:limit] {
			if b >= 0x20 && b <= 0x7e {
				fmt.Fprintf(w, "%c", b)
			} else {
				fmt.Fprintf(w, "\\%x", b)
			}
		}
		fmt.Fprintln(w)
		remaining -= limit
	}
	return nil
}
