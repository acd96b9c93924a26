package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/noxer/bytewriter"
	"github.com/stratofs/stratofs"
)

// FileNameMaxLen is the longest file name a directory entry can hold.
const FileNameMaxLen = 9

// DirEntrySize is the on-disk size of one directory entry.
const DirEntrySize = 16

// DirEntry is one slot in a directory table: a name bound to the sector
// holding the file's header, plus a flag marking nested directories. Removed
// entries keep their stored bytes and are simply marked unused.
type DirEntry struct {
	Name   string
	Sector int
	IsDir  bool
	InUse  bool
}

// rawDirEntry is the on-disk layout of one entry.
type rawDirEntry struct {
	InUse  uint8
	IsDir  uint8
	Sector int32
	Name   [FileNameMaxLen + 1]byte
}

// Directory is a fixed-capacity table of entries, itself persisted as an
// ordinary file. Capacity is set at construction and never grows; once every
// slot is in use, creation in this directory fails.
type Directory struct {
	table []DirEntry
}

// NewDirectory creates an empty directory with room for `capacity` entries.
// When formatting an empty table is all there is; otherwise FetchFrom loads
// the real contents from disk.
func NewDirectory(capacity int) *Directory {
	return &Directory{table: make([]DirEntry, capacity)}
}

// Capacity returns the fixed number of slots in the table.
func (dir *Directory) Capacity() int {
	return len(dir.table)
}

// SizeOnDisk returns the size of the directory's backing file.
func (dir *Directory) SizeOnDisk() int64 {
	return int64(len(dir.table)) * DirEntrySize
}

// Entries returns a snapshot of the in-use entries in table order.
func (dir *Directory) Entries() []DirEntry {
	var entries []DirEntry
	for _, entry := range dir.table {
		if entry.InUse {
			entries = append(entries, entry)
		}
	}
	return entries
}

// FetchFrom replaces the table with the contents of the backing file.
func (dir *Directory) FetchFrom(file *OpenFile) error {
	buffer := make([]byte, dir.SizeOnDisk())
	_, err := file.ReadAt(buffer, 0)
	if err != nil {
		return stratofs.ErrIOFailed.Wrap(err)
	}

	reader := bytes.NewReader(buffer)
	for i := range dir.table {
		var raw rawDirEntry
		err = binary.Read(reader, binary.LittleEndian, &raw)
		if err != nil {
			return stratofs.ErrFileSystemCorrupted.Wrap(err)
		}

		name := raw.Name[:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		dir.table[i] = DirEntry{
			Name:   string(name),
			Sector: int(raw.Sector),
			IsDir:  raw.IsDir != 0,
			InUse:  raw.InUse != 0,
		}
	}
	return nil
}

// WriteBack bulk-copies the whole table to the backing file.
func (dir *Directory) WriteBack(file *OpenFile) error {
	buffer := make([]byte, dir.SizeOnDisk())
	writer := bytewriter.New(buffer)

	for _, entry := range dir.table {
		raw := rawDirEntry{Sector: int32(entry.Sector)}
		if entry.InUse {
			raw.InUse = 1
		}
		if entry.IsDir {
			raw.IsDir = 1
		}
		copy(raw.Name[:], entry.Name)

		err := binary.Write(writer, binary.LittleEndian, &raw)
		if err != nil {
			return stratofs.ErrIOFailed.Wrap(err)
		}
	}

	_, err := file.WriteAt(buffer, 0)
	if err != nil {
		return stratofs.ErrIOFailed.Wrap(err)
	}
	return nil
}

// FindIndex returns the slot holding the named entry, or -1 if the name is
// not in the directory.
func (dir *Directory) FindIndex(name string) int {
	for i, entry := range dir.table {
		if entry.InUse && entry.Name == name {
			return i
		}
	}
	return -1
}

// FindEntry looks up an entry by name.
func (dir *Directory) FindEntry(name string) (DirEntry, bool) {
	i := dir.FindIndex(name)
	if i == -1 {
		return DirEntry{}, false
	}
	return dir.table[i], true
}

// Find returns the header sector of the named entry, or -1 if absent.
func (dir *Directory) Find(name string) int {
	if entry, found := dir.FindEntry(name); found {
		return entry.Sector
	}
	return -1
}

func validateName(name string) error {
	if name == "" {
		return stratofs.ErrInvalidArgument.WithMessage("empty file name")
	}
	if len(name) > FileNameMaxLen {
		return stratofs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q exceeds %d characters", name, FileNameMaxLen))
	}
	return nil
}

// Add claims the first free slot for a new entry. It fails if the name is
// already present, too long, or every slot is taken.
func (dir *Directory) Add(name string, sector int, isDir bool) error {
	err := validateName(name)
	if err != nil {
		return err
	}
	if dir.FindIndex(name) != -1 {
		return stratofs.ErrExists.WithMessage(name)
	}

	for i := range dir.table {
		if !dir.table[i].InUse {
			dir.table[i] = DirEntry{
				Name:   name,
				Sector: sector,
				IsDir:  isDir,
				InUse:  true,
			}
			return nil
		}
	}
	return stratofs.ErrDirectoryFull.WithMessage(
		fmt.Sprintf("no slot for %q in a table of %d", name, len(dir.table)))
}

// Remove marks the named entry's slot unused. The table is not compacted.
func (dir *Directory) Remove(name string) error {
	i := dir.FindIndex(name)
	if i == -1 {
		return stratofs.ErrNotFound.WithMessage(name)
	}
	dir.table[i].InUse = false
	return nil
}

// RemoveAll empties the directory, recursively tearing down nested
// directories bottom-up: a subdirectory's contents are removed and its
// storage returned to the free map before the sector holding the
// subdirectory's own header is cleared. No sector is ever cleared while a
// live structure still references sectors of its own.
//
// The caller owns the free map and is responsible for persisting it once the
// whole operation is complete.
func (dir *Directory) RemoveAll(
	dev stratofs.SectorDevice,
	freeMap *PersistentBitmap,
) error {
	for i := range dir.table {
		if !dir.table[i].InUse {
			continue
		}
		entry := dir.table[i]

		if entry.IsDir {
			subdirFile, err := Open(dev, entry.Sector)
			if err != nil {
				return err
			}
			subdir := NewDirectory(len(dir.table))
			err = subdir.FetchFrom(subdirFile)
			if err != nil {
				return err
			}

			err = subdir.RemoveAll(dev, freeMap)
			if err != nil {
				return err
			}
			err = subdir.WriteBack(subdirFile)
			if err != nil {
				return err
			}

			err = subdirFile.hdr.Deallocate(dev, freeMap)
			if err != nil {
				return err
			}
		} else {
			hdr := &FileHeader{}
			err := hdr.FetchFrom(dev, entry.Sector)
			if err != nil {
				return err
			}
			err = hdr.Deallocate(dev, freeMap)
			if err != nil {
				return err
			}
		}

		err := freeMap.Clear(entry.Sector)
		if err != nil {
			return err
		}
		dir.table[i].InUse = false
	}
	return nil
}

// List writes the in-use entry names to `w`, one per line.
func (dir *Directory) List(w io.Writer) {
	empty := true
	for _, entry := range dir.table {
		if entry.InUse {
			empty = false
			fmt.Fprintln(w, entry.Name)
		}
	}
	if empty {
		fmt.Fprintln(w, "The directory is empty")
	}
}

// RecursiveList writes the whole subtree to `w`, tagging entries as [D] or
// [F] and indenting children by recursion depth.
func (dir *Directory) RecursiveList(
	dev stratofs.SectorDevice,
	w io.Writer,
	depth int,
) error {
	indent := strings.Repeat("    ", depth)

	for _, entry := range dir.table {
		if !entry.InUse {
			continue
		}

		if entry.IsDir {
			fmt.Fprintf(w, "%s[D] %s\n", indent, entry.Name)

			subdirFile, err := Open(dev, entry.Sector)
			if err != nil {
				return err
			}
			subdir := NewDirectory(len(dir.table))
			err = subdir.FetchFrom(subdirFile)
			if err != nil {
				return err
			}
			err = subdir.RecursiveList(dev, w, depth+1)
			if err != nil {
				return err
			}
		} else {
			fmt.Fprintf(w, "%s[F] %s\n", indent, entry.Name)
		}
	}
	return nil
}

// Describe dumps every entry with its header and file contents to `w` for
// debugging.
func (dir *Directory) Describe(dev stratofs.SectorDevice, w io.Writer) error {
	fmt.Fprintln(w, "Directory contents:")
	for _, entry := range dir.table {
		if !entry.InUse {
			continue
		}
		fmt.Fprintf(w, "Name: %s, Sector: %d\n", entry.Name, entry.Sector)

		hdr := &FileHeader{}
		err := hdr.FetchFrom(dev, entry.Sector)
		if err != nil {
			return err
		}
		err = hdr.Describe(dev, w)
		if err != nil {
			return err
		}
	}
	return nil
}
