package fs

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/stratofs/stratofs"
)

// PersistentBitmap is the free-space map: one bit per disk sector, with a set
// bit meaning the sector is allocated. The map itself lives in an ordinary
// file; all mutations happen in memory and only reach the disk through an
// explicit WriteBack.
type PersistentBitmap struct {
	bits    bitmap.Bitmap
	numBits int
}

// NewBitmap creates an all-clear bitmap covering `numBits` sectors.
func NewBitmap(numBits int) *PersistentBitmap {
	return &PersistentBitmap{
		bits:    bitmap.New(numBits),
		numBits: numBits,
	}
}

// BitmapFromFile creates a bitmap covering `numBits` sectors and loads its
// contents from the backing file.
func BitmapFromFile(file *OpenFile, numBits int) (*PersistentBitmap, error) {
	freeMap := NewBitmap(numBits)
	err := freeMap.FetchFrom(file)
	if err != nil {
		return nil, err
	}
	return freeMap, nil
}

// sizeInBytes returns the size of the bitmap's backing file.
func (freeMap *PersistentBitmap) sizeInBytes() int {
	return (freeMap.numBits + 7) / 8
}

// Test reports whether the given sector is marked allocated.
func (freeMap *PersistentBitmap) Test(sector int) bool {
	return freeMap.bits.Get(sector)
}

// Mark sets the bit for the given sector unconditionally. It is used while
// formatting to claim the well-known sectors before normal allocation starts.
func (freeMap *PersistentBitmap) Mark(sector int) {
	freeMap.bits.Set(sector, true)
}

// Clear returns a sector to the free pool. Clearing a sector that is already
// free means two live structures believed they owned it, which is an on-disk
// consistency violation, not a user error.
func (freeMap *PersistentBitmap) Clear(sector int) error {
	if sector < 0 || sector >= freeMap.numBits {
		return stratofs.ErrSectorOutOfRange.WithMessage(
			fmt.Sprintf("sector %d not in [0, %d)", sector, freeMap.numBits))
	}
	if !freeMap.bits.Get(sector) {
		return stratofs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("sector %d freed twice", sector))
	}

	freeMap.bits.Set(sector, false)
	return nil
}

// FindAndSet finds the first clear bit, sets it, and returns its index. It
// fails with ErrNoSpaceOnDevice when every sector is taken.
func (freeMap *PersistentBitmap) FindAndSet() (int, error) {
	for i := 0; i < freeMap.numBits; i++ {
		if !freeMap.bits.Get(i) {
			freeMap.bits.Set(i, true)
			return i, nil
		}
	}
	return -1, stratofs.ErrNoSpaceOnDevice
}

// CountClear returns the number of unallocated sectors.
func (freeMap *PersistentBitmap) CountClear() int {
	count := 0
	for i := 0; i < freeMap.numBits; i++ {
		if !freeMap.bits.Get(i) {
			count++
		}
	}
	return count
}

// FetchFrom replaces the in-memory bits with the contents of the backing file.
func (freeMap *PersistentBitmap) FetchFrom(file *OpenFile) error {
	buffer := make([]byte, freeMap.sizeInBytes())
	_, err := file.ReadAt(buffer, 0)
	if err != nil {
		return stratofs.ErrIOFailed.Wrap(err)
	}

	freeMap.bits = bitmap.Bitmap(buffer)
	return nil
}

// WriteBack persists the whole bitmap to the backing file. There is no
// partial persistence; a crash between an in-memory mutation and WriteBack
// loses the mutation.
func (freeMap *PersistentBitmap) WriteBack(file *OpenFile) error {
	_, err := file.WriteAt(freeMap.bits.Data(false), 0)
	if err != nil {
		return stratofs.ErrIOFailed.Wrap(err)
	}
	return nil
}
