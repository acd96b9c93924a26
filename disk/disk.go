// Package disk provides an image-backed implementation of the sector device
// the file system runs on. The backing storage is anything that implements
// io.ReadWriteSeeker, so a disk image can live in a file on the host or
// entirely in memory.
package disk

import (
	"fmt"
	"io"

	"github.com/stratofs/stratofs"
)

// Image is a sector device stored in a seekable stream. The stream's size must
// be exactly `numSectors * stratofs.SectorSize` bytes.
type Image struct {
	stream     io.ReadWriteSeeker
	numSectors int
}

// NewImage wraps a seekable stream as a sector device with `numSectors`
// sectors. It verifies that the stream is exactly the right size.
func NewImage(stream io.ReadWriteSeeker, numSectors int) (*Image, error) {
	if numSectors <= 0 {
		return nil, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("sector count must be positive, got %d", numSectors))
	}

	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, stratofs.ErrIOFailed.Wrap(err)
	}

	expectedSize := int64(numSectors) * stratofs.SectorSize
	if end != expectedSize {
		return nil, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"image is %d bytes; %d sectors of %d bytes require %d",
				end,
				numSectors,
				stratofs.SectorSize,
				expectedSize,
			))
	}

	return &Image{stream: stream, numSectors: numSectors}, nil
}

// NumSectors returns the total number of sectors in the image.
func (image *Image) NumSectors() int {
	return image.numSectors
}

func (image *Image) seekToSector(sector int, bufferLen int) error {
	if sector < 0 || sector >= image.numSectors {
		return stratofs.ErrSectorOutOfRange.WithMessage(
			fmt.Sprintf("sector %d not in [0, %d)", sector, image.numSectors))
	}
	if bufferLen != stratofs.SectorSize {
		return stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sector buffer must be exactly %d bytes, got %d",
				stratofs.SectorSize,
				bufferLen,
			))
	}

	offset := int64(sector) * stratofs.SectorSize
	_, err := image.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return stratofs.ErrIOFailed.Wrap(err)
	}
	return nil
}

// ReadSector fills `buffer` with the contents of the given sector.
func (image *Image) ReadSector(sector int, buffer []byte) error {
	err := image.seekToSector(sector, len(buffer))
	if err != nil {
		return err
	}

	_, err = io.ReadFull(image.stream, buffer)
	if err != nil {
		return stratofs.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to read sector %d: %s", sector, err.Error()))
	}
	return nil
}

// WriteSector writes `buffer` to the given sector.
func (image *Image) WriteSector(sector int, buffer []byte) error {
	err := image.seekToSector(sector, len(buffer))
	if err != nil {
		return err
	}

	_, err = image.stream.Write(buffer)
	if err != nil {
		return stratofs.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to write sector %d: %s", sector, err.Error()))
	}
	return nil
}
