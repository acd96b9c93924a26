package fs

import (
	"fmt"
	"io"
	posixpath "path"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/stratofs/stratofs"
)

// Sectors holding the file headers for the free-space map and the root
// directory. They are placed at well-known addresses so the file system can
// find them at mount time, before any lookup is possible.
const (
	FreeMapSector       = 0
	RootDirectorySector = 1
)

// DefaultNumDirEntries is the directory table capacity used when formatting
// without an explicit value.
const DefaultNumDirEntries = 64

// Config controls mounting.
type Config struct {
	// Format wipes the device and initializes a fresh file system on it
	// before mounting.
	Format bool

	// NumDirEntries sets the capacity of every directory table. It is only
	// consulted while formatting; on a live file system the capacity is
	// recovered from the root directory's file length.
	NumDirEntries int
}

// FileSystem resolves slash-separated paths against the directory tree and
// orchestrates the free map, file headers and directory tables beneath it.
//
// The free map and root directory files are kept open for the life of the
// mount. Mutating operations load the free map, mutate it privately, and
// persist it once at the end; nothing observes a half-applied operation in
// memory, but a crash between disk writes is not rolled back.
//
// A FileSystem must not be used from more than one goroutine at a time.
type FileSystem struct {
	dev           stratofs.SectorDevice
	freeMapFile   *OpenFile
	rootDirFile   *OpenFile
	numDirEntries int
}

// freeMapSizeOnDisk returns the size of the free map's backing file for a
// device with `numSectors` sectors.
func freeMapSizeOnDisk(numSectors int) int64 {
	return int64((numSectors + 7) / 8)
}

// Mount opens the file system on the given device, formatting it first if
// requested.
func Mount(dev stratofs.SectorDevice, cfg Config) (*FileSystem, error) {
	if cfg.Format {
		err := format(dev, cfg.NumDirEntries)
		if err != nil {
			return nil, err
		}
	}

	freeMapFile, err := Open(dev, FreeMapSector)
	if err != nil {
		return nil, err
	}
	rootDirFile, err := Open(dev, RootDirectorySector)
	if err != nil {
		return nil, err
	}

	if freeMapFile.Size() != freeMapSizeOnDisk(dev.NumSectors()) {
		return nil, stratofs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"free map file is %d bytes, expected %d for %d sectors",
				freeMapFile.Size(),
				freeMapSizeOnDisk(dev.NumSectors()),
				dev.NumSectors(),
			))
	}
	if rootDirFile.Size() <= 0 || rootDirFile.Size()%DirEntrySize != 0 {
		return nil, stratofs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"root directory file is %d bytes, not a multiple of %d",
				rootDirFile.Size(),
				DirEntrySize,
			))
	}

	return &FileSystem{
		dev:           dev,
		freeMapFile:   freeMapFile,
		rootDirFile:   rootDirFile,
		numDirEntries: int(rootDirFile.Size() / DirEntrySize),
	}, nil
}

// format initializes an empty file system: an all-clear free map with the two
// well-known sectors claimed, backing storage for the free map and the root
// directory, and both headers written out before either file is opened.
func format(dev stratofs.SectorDevice, numDirEntries int) error {
	if numDirEntries == 0 {
		numDirEntries = DefaultNumDirEntries
	}
	if numDirEntries < 1 {
		return stratofs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("directory capacity must be positive, got %d", numDirEntries))
	}

	freeMap := NewBitmap(dev.NumSectors())
	directory := NewDirectory(numDirEntries)
	mapHdr := &FileHeader{}
	dirHdr := &FileHeader{}

	// Claim the header sectors first so allocation can't grab them.
	freeMap.Mark(FreeMapSector)
	freeMap.Mark(RootDirectorySector)

	err := mapHdr.Allocate(dev, freeMap, freeMapSizeOnDisk(dev.NumSectors()))
	if err != nil {
		return err
	}
	err = dirHdr.Allocate(dev, freeMap, directory.SizeOnDisk())
	if err != nil {
		return err
	}

	// The headers must be on disk before the files can be opened; until then
	// the well-known sectors hold garbage.
	err = mapHdr.WriteBack(dev, FreeMapSector)
	if err != nil {
		return err
	}
	err = dirHdr.WriteBack(dev, RootDirectorySector)
	if err != nil {
		return err
	}

	freeMapFile, err := Open(dev, FreeMapSector)
	if err != nil {
		return err
	}
	rootDirFile, err := Open(dev, RootDirectorySector)
	if err != nil {
		return err
	}

	err = freeMap.WriteBack(freeMapFile)
	if err != nil {
		return err
	}
	return directory.WriteBack(rootDirFile)
}

// Device returns the sector device the file system is mounted on.
func (fsys *FileSystem) Device() stratofs.SectorDevice {
	return fsys.dev
}

// NumDirEntries returns the fixed capacity of every directory table.
func (fsys *FileSystem) NumDirEntries() int {
	return fsys.numDirEntries
}

// splitPath normalizes a slash-separated path and returns its components. An
// empty slice means the root directory.
func splitPath(pathStr string) []string {
	cleaned := posixpath.Clean("/" + pathStr)
	if cleaned == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
}

// fetchDirectory loads the directory whose table lives in `file`.
func (fsys *FileSystem) fetchDirectory(file *OpenFile) (*Directory, error) {
	dir := NewDirectory(fsys.numDirEntries)
	err := dir.FetchFrom(file)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// walk descends the given components starting from the root, requiring every
// one of them to name an existing directory. It returns the directory reached
// along with its backing file.
//
// Resolution is strict: a missing component fails with ErrNotFound and a
// non-directory component with ErrNotADirectory. Operations never fall back
// to a shallower directory.
func (fsys *FileSystem) walk(components []string) (*Directory, *OpenFile, error) {
	currentFile := fsys.rootDirFile
	current, err := fsys.fetchDirectory(currentFile)
	if err != nil {
		return nil, nil, err
	}

	for i, component := range components {
		entry, found := current.FindEntry(component)
		if !found {
			return nil, nil, stratofs.ErrNotFound.WithMessage(
				"/" + strings.Join(components[:i+1], "/"))
		}
		if !entry.IsDir {
			return nil, nil, stratofs.ErrNotADirectory.WithMessage(
				"/" + strings.Join(components[:i+1], "/"))
		}

		currentFile, err = Open(fsys.dev, entry.Sector)
		if err != nil {
			return nil, nil, err
		}
		current, err = fsys.fetchDirectory(currentFile)
		if err != nil {
			return nil, nil, err
		}
	}
	return current, currentFile, nil
}

// resolveParent resolves everything but the last path component and returns
// the parent directory, its backing file, and the leaf name.
func (fsys *FileSystem) resolveParent(
	pathStr string,
) (*Directory, *OpenFile, string, error) {
	components := splitPath(pathStr)
	if len(components) == 0 {
		return nil, nil, "", stratofs.ErrInvalidArgument.WithMessage(
			"the root directory has no parent")
	}

	parent, parentFile, err := fsys.walk(components[:len(components)-1])
	if err != nil {
		return nil, nil, "", err
	}
	return parent, parentFile, components[len(components)-1], nil
}

// create is the shared shape of Create and Mkdir: resolve the parent, claim a
// header sector, build the index tree, then publish header, directory and
// free map in that order.
func (fsys *FileSystem) create(pathStr string, size int64, isDir bool) error {
	parent, parentFile, leaf, err := fsys.resolveParent(pathStr)
	if err != nil {
		return err
	}
	if parent.FindIndex(leaf) != -1 {
		return stratofs.ErrExists.WithMessage(pathStr)
	}

	freeMap, err := BitmapFromFile(fsys.freeMapFile, fsys.dev.NumSectors())
	if err != nil {
		return err
	}

	headerSector, err := freeMap.FindAndSet()
	if err != nil {
		return stratofs.ErrNoSpaceOnDevice.WithMessage(
			"no free sector for a file header")
	}

	// Claim the directory slot before building the index tree so a bad name
	// or a full table fails before anything is written to the device.
	err = parent.Add(leaf, headerSector, isDir)
	if err != nil {
		return err
	}

	hdr := &FileHeader{}
	err = hdr.Allocate(fsys.dev, freeMap, size)
	if err != nil {
		return err
	}

	// Allocate wrote interior headers and zero-filled data, but the sectors
	// it touched stay free in the persisted map until the write at the end,
	// so a failure above leaves the disk effectively unchanged. Publish the
	// header before the directory references it, and the free map last.
	err = hdr.WriteBack(fsys.dev, headerSector)
	if err != nil {
		return err
	}

	if isDir {
		newDirFile, err := Open(fsys.dev, headerSector)
		if err != nil {
			return err
		}
		err = NewDirectory(fsys.numDirEntries).WriteBack(newDirFile)
		if err != nil {
			return err
		}
	}

	err = parent.WriteBack(parentFile)
	if err != nil {
		return err
	}
	return freeMap.WriteBack(fsys.freeMapFile)
}

// Create makes a new file of exactly `size` bytes, zero-filled. The size is
// fixed for the life of the file.
func (fsys *FileSystem) Create(pathStr string, size int64) error {
	return fsys.create(pathStr, size, false)
}

// Mkdir makes a new, empty directory.
func (fsys *FileSystem) Mkdir(pathStr string) error {
	dirSize := int64(fsys.numDirEntries) * DirEntrySize
	return fsys.create(pathStr, dirSize, true)
}

// Open returns a handle on the named file. Handles are independent; opening
// the same file twice yields two positions over the same bytes.
func (fsys *FileSystem) Open(pathStr string) (*OpenFile, error) {
	parent, _, leaf, err := fsys.resolveParent(pathStr)
	if err != nil {
		return nil, err
	}

	entry, found := parent.FindEntry(leaf)
	if !found {
		return nil, stratofs.ErrNotFound.WithMessage(pathStr)
	}
	if entry.IsDir {
		return nil, stratofs.ErrIsADirectory.WithMessage(pathStr)
	}
	return Open(fsys.dev, entry.Sector)
}

// Remove deletes the named file, or - when `recursive` is set - a whole
// directory subtree, bottom-up. Removing a directory without `recursive`
// fails with ErrIsADirectory and changes nothing.
func (fsys *FileSystem) Remove(pathStr string, recursive bool) error {
	parent, parentFile, leaf, err := fsys.resolveParent(pathStr)
	if err != nil {
		return err
	}
	entry, found := parent.FindEntry(leaf)
	if !found {
		return stratofs.ErrNotFound.WithMessage(pathStr)
	}

	freeMap, err := BitmapFromFile(fsys.freeMapFile, fsys.dev.NumSectors())
	if err != nil {
		return err
	}

	if entry.IsDir {
		if !recursive {
			return stratofs.ErrIsADirectory.WithMessage(pathStr)
		}

		targetFile, err := Open(fsys.dev, entry.Sector)
		if err != nil {
			return err
		}
		target, err := fsys.fetchDirectory(targetFile)
		if err != nil {
			return err
		}

		// Children first, then the directory's own storage, then its header
		// sector. The entry in the parent goes last.
		err = target.RemoveAll(fsys.dev, freeMap)
		if err != nil {
			return err
		}
		err = targetFile.hdr.Deallocate(fsys.dev, freeMap)
		if err != nil {
			return err
		}
	} else {
		hdr := &FileHeader{}
		err = hdr.FetchFrom(fsys.dev, entry.Sector)
		if err != nil {
			return err
		}
		err = hdr.Deallocate(fsys.dev, freeMap)
		if err != nil {
			return err
		}
	}

	err = freeMap.Clear(entry.Sector)
	if err != nil {
		return err
	}
	err = parent.Remove(leaf)
	if err != nil {
		return err
	}

	err = parent.WriteBack(parentFile)
	if err != nil {
		return err
	}
	return freeMap.WriteBack(fsys.freeMapFile)
}

// List writes the names in the directory at `pathStr` to `w`, or the whole
// subtree when `recursive` is set.
func (fsys *FileSystem) List(pathStr string, recursive bool, w io.Writer) error {
	dir, _, err := fsys.walk(splitPath(pathStr))
	if err != nil {
		return err
	}

	if recursive {
		return dir.RecursiveList(fsys.dev, w, 0)
	}
	dir.List(w)
	return nil
}

// FreeSectors returns the number of unallocated sectors on the device.
func (fsys *FileSystem) FreeSectors() (int, error) {
	freeMap, err := BitmapFromFile(fsys.freeMapFile, fsys.dev.NumSectors())
	if err != nil {
		return 0, err
	}
	return freeMap.CountClear(), nil
}

// Describe dumps everything about the file system to `w`: the two well-known
// headers, the free map summary, and the root directory's contents.
func (fsys *FileSystem) Describe(w io.Writer) error {
	fmt.Fprintln(w, "Free map file header:")
	err := fsys.freeMapFile.hdr.Describe(fsys.dev, w)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Root directory file header:")
	err = fsys.rootDirFile.hdr.Describe(fsys.dev, w)
	if err != nil {
		return err
	}

	free, err := fsys.FreeSectors()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Free sectors: %d of %d\n", free, fsys.dev.NumSectors())

	root, err := fsys.fetchDirectory(fsys.rootDirFile)
	if err != nil {
		return err
	}
	return root.Describe(fsys.dev, w)
}

// -----------------------------------------------------------------------------
// Consistency checking

// CheckConsistency recomputes the set of sectors reachable from the root
// directory tree and diffs it against the free map. It reports sectors the
// map believes are allocated but nothing references (leaks), sectors in use
// that the map believes are free, sectors referenced by two live structures,
// and on-disk pointers that fall outside the device entirely. All findings
// are aggregated into one error; nil means the image is consistent.
//
// The walk trusts nothing it reads: a header with a garbage pointer or
// sector count is reported as a finding and its subtree is skipped, never
// followed.
func (fsys *FileSystem) CheckConsistency() error {
	freeMap, err := BitmapFromFile(fsys.freeMapFile, fsys.dev.NumSectors())
	if err != nil {
		return err
	}

	check := &consistencyCheck{
		fsys:      fsys,
		refCounts: make([]int, fsys.dev.NumSectors()),
	}
	check.refCounts[FreeMapSector]++
	check.refCounts[RootDirectorySector]++

	err = check.countHeaderSectors(fsys.freeMapFile.hdr)
	if err != nil {
		return err
	}
	err = check.countHeaderSectors(fsys.rootDirFile.hdr)
	if err != nil {
		return err
	}
	err = check.countDirectorySectors(fsys.rootDirFile)
	if err != nil {
		return err
	}

	for sector, count := range check.refCounts {
		switch {
		case count > 1:
			check.addFinding(
				fmt.Sprintf("sector %d referenced by %d structures", sector, count))
		case count == 1 && !freeMap.Test(sector):
			check.addFinding(
				fmt.Sprintf("sector %d is in use but marked free", sector))
		case count == 0 && freeMap.Test(sector):
			check.addFinding(
				fmt.Sprintf("sector %d is marked allocated but unreachable", sector))
		}
	}
	return check.report.ErrorOrNil()
}

// consistencyCheck accumulates reference counts and findings over one walk
// of the directory tree.
type consistencyCheck struct {
	fsys      *FileSystem
	refCounts []int
	report    *multierror.Error
}

func (check *consistencyCheck) addFinding(message string) {
	check.report = multierror.Append(check.report,
		stratofs.ErrFileSystemCorrupted.WithMessage(message))
}

// countSector records one reference to `sector`. A pointer outside the
// device is itself a corruption finding; it is reported, not counted, and
// the caller must not follow it.
func (check *consistencyCheck) countSector(sector int) bool {
	if sector < 0 || sector >= len(check.refCounts) {
		check.addFinding(
			fmt.Sprintf("sector pointer %d not in [0, %d)", sector, len(check.refCounts)))
		return false
	}
	check.refCounts[sector]++
	return true
}

// countHeaderSectors counts every sector in a header's index tree: data
// sectors at the direct level, child header sectors and their subtrees at
// interior levels.
func (check *consistencyCheck) countHeaderSectors(hdr *FileHeader) error {
	chunk := childCapacity(int64(hdr.numBytes))
	if chunk == 0 {
		pointers := int(hdr.numSectors)
		if pointers < 0 || pointers > NumDirect {
			check.addFinding(
				fmt.Sprintf("header claims %d direct sectors, at most %d fit", pointers, NumDirect))
			return nil
		}
		for i := 0; i < pointers; i++ {
			check.countSector(int(hdr.dataSectors[i]))
		}
		return nil
	}

	numChildren := int(divRoundUp(int64(hdr.numBytes), chunk))
	for i := 0; i < numChildren; i++ {
		sector := int(hdr.dataSectors[i])
		if !check.countSector(sector) {
			continue
		}

		child := &FileHeader{}
		err := child.FetchFrom(check.fsys.dev, sector)
		if err != nil {
			return err
		}
		err = check.countHeaderSectors(child)
		if err != nil {
			return err
		}
	}
	return nil
}

// countDirectorySectors counts the header sectors and index trees of every
// entry in a directory, recursing into subdirectories.
func (check *consistencyCheck) countDirectorySectors(dirFile *OpenFile) error {
	dir, err := check.fsys.fetchDirectory(dirFile)
	if err != nil {
		return err
	}

	for _, entry := range dir.Entries() {
		if !check.countSector(entry.Sector) {
			continue
		}

		entryFile, err := Open(check.fsys.dev, entry.Sector)
		if err != nil {
			return err
		}
		err = check.countHeaderSectors(entryFile.hdr)
		if err != nil {
			return err
		}

		if entry.IsDir {
			err = check.countDirectorySectors(entryFile)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
