package fs

import (
	"fmt"
	"io"

	"github.com/stratofs/stratofs"
)

// OpenFile is a byte-stream view of one file, bound to the file's header
// sector. It translates byte offsets to disk sectors through the header's
// index tree, so callers read and write plain offset ranges without knowing
// where the bytes live.
//
// Handles are plain values owned by the caller; any number of files may be
// open at once. Writes go straight through to the device, so Close is only a
// courtesy.
type OpenFile struct {
	dev          stratofs.SectorDevice
	hdr          *FileHeader
	headerSector int
	position     int64
}

// Open binds a handle to the file whose header lives in the given sector.
func Open(dev stratofs.SectorDevice, headerSector int) (*OpenFile, error) {
	hdr := &FileHeader{}
	err := hdr.FetchFrom(dev, headerSector)
	if err != nil {
		return nil, err
	}

	return &OpenFile{
		dev:          dev,
		hdr:          hdr,
		headerSector: headerSector,
	}, nil
}

// HeaderSector returns the sector holding the file's header.
func (file *OpenFile) HeaderSector() int {
	return file.headerSector
}

// Size returns the length of the file, in bytes. File sizes are fixed at
// creation, so this never changes over the life of a handle.
func (file *OpenFile) Size() int64 {
	return file.hdr.FileLength()
}

func (file *OpenFile) Read(buffer []byte) (int, error) {
	n, err := file.ReadAt(buffer, file.position)
	file.position += int64(n)
	return n, err
}

// ReadAt fills `buffer` with file contents starting at byte `offset`. Reads
// are clamped at end of file; a short read returns io.EOF.
func (file *OpenFile) ReadAt(buffer []byte, offset int64) (int, error) {
	size := file.Size()
	if offset < 0 {
		return 0, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative read offset %d", offset))
	}
	if offset >= size {
		return 0, io.EOF
	}

	numBytes := int64(len(buffer))
	if offset+numBytes > size {
		numBytes = size - offset
	}

	scratch := make([]byte, stratofs.SectorSize)
	totalRead := int64(0)
	for totalRead < numBytes {
		position := offset + totalRead
		sector, err := file.hdr.ByteToSector(file.dev, position)
		if err != nil {
			return int(totalRead), err
		}
		err = file.dev.ReadSector(sector, scratch)
		if err != nil {
			return int(totalRead), err
		}

		withinSector := position % stratofs.SectorSize
		n := copy(buffer[totalRead:numBytes], scratch[withinSector:])
		totalRead += int64(n)
	}

	if numBytes < int64(len(buffer)) {
		return int(totalRead), io.EOF
	}
	return int(totalRead), nil
}

func (file *OpenFile) Write(buffer []byte) (int, error) {
	n, err := file.WriteAt(buffer, file.position)
	file.position += int64(n)
	return n, err
}

// WriteAt copies `buffer` into the file starting at byte `offset`. Files do
// not grow; writes reaching past the fixed size are clamped and report
// io.ErrShortWrite.
func (file *OpenFile) WriteAt(buffer []byte, offset int64) (int, error) {
	size := file.Size()
	if offset < 0 {
		return 0, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative write offset %d", offset))
	}
	if offset >= size {
		if len(buffer) == 0 {
			return 0, nil
		}
		return 0, io.ErrShortWrite
	}

	numBytes := int64(len(buffer))
	if offset+numBytes > size {
		numBytes = size - offset
	}

	scratch := make([]byte, stratofs.SectorSize)
	totalWritten := int64(0)
	for totalWritten < numBytes {
		position := offset + totalWritten
		sector, err := file.hdr.ByteToSector(file.dev, position)
		if err != nil {
			return int(totalWritten), err
		}

		withinSector := position % stratofs.SectorSize
		chunk := int64(stratofs.SectorSize) - withinSector
		if chunk > numBytes-totalWritten {
			chunk = numBytes - totalWritten
		}

		// Partial sectors need a read-modify-write; full sectors go straight
		// to the device.
		if chunk < stratofs.SectorSize {
			err = file.dev.ReadSector(sector, scratch)
			if err != nil {
				return int(totalWritten), err
			}
		}
		copy(scratch[withinSector:], buffer[totalWritten:totalWritten+chunk])

		err = file.dev.WriteSector(sector, scratch)
		if err != nil {
			return int(totalWritten), err
		}
		totalWritten += chunk
	}

	if numBytes < int64(len(buffer)) {
		return int(totalWritten), io.ErrShortWrite
	}
	return int(totalWritten), nil
}

// Seek resets the stream pointer to `offset` bytes from the origin given in
// `whence`, one of io.SeekStart, io.SeekCurrent or io.SeekEnd.
func (file *OpenFile) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = file.position + offset
	case io.SeekEnd:
		absoluteOffset = file.Size() + offset
	default:
		return file.position, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin: %d", whence))
	}

	if absoluteOffset < 0 {
		return file.position, stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"result of Seek(offset=%d, whence=%d) is negative",
				offset,
				whence,
			))
	}

	file.position = absoluteOffset
	return absoluteOffset, nil
}

// Close releases the handle. Writes are not buffered, so there is nothing to
// flush.
func (file *OpenFile) Close() error {
	return nil
}
