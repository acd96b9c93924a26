// Package stratofs defines the interfaces and error taxonomy shared by the
// stratofs file system packages.
//
// The file system proper lives in the fs package; image-backed sector devices
// live in the disk package.
package stratofs

// SectorSize is the size of one disk sector, in bytes. The entire on-disk
// layout is built around this number: a file header is exactly one sector, so
// changing it changes the number of direct pointers a header can hold.
const SectorSize = 128

// SectorDevice is the raw storage primitive the file system runs on top of:
// fixed-size, whole-sector, blocking reads and writes. Sector addresses start
// at 0.
//
// Implementations are not required to be safe for concurrent use. The file
// system never issues overlapping operations.
type SectorDevice interface {
	// ReadSector fills `buffer` with the contents of the given sector. The
	// buffer must be exactly SectorSize bytes long.
	ReadSector(sector int, buffer []byte) error

	// WriteSector writes `buffer` to the given sector. The buffer must be
	// exactly SectorSize bytes long.
	WriteSector(sector int, buffer []byte) error

	// NumSectors returns the total number of sectors on the device.
	NumSectors() int
}
