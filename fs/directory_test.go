package fs_test

import (
	"strings"
	"testing"

	"github.com/stratofs/stratofs"
	"github.com/stratofs/stratofs/fs"
	fstest "github.com/stratofs/stratofs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory__Add(t *testing.T) {
	dir := fs.NewDirectory(3)

	require.NoError(t, dir.Add("alpha", 10, false))
	require.NoError(t, dir.Add("beta", 11, true))

	assert.Equal(t, 10, dir.Find("alpha"))
	assert.Equal(t, 11, dir.Find("beta"))
	assert.Equal(t, -1, dir.Find("gamma"))

	entry, found := dir.FindEntry("beta")
	require.True(t, found)
	assert.True(t, entry.IsDir)
}

func TestDirectory__Add__DuplicateLeavesTableUnchanged(t *testing.T) {
	dir := fs.NewDirectory(3)
	require.NoError(t, dir.Add("alpha", 10, false))

	err := dir.Add("alpha", 99, true)
	assert.ErrorIs(t, err, stratofs.ErrExists)

	assert.Equal(t, 10, dir.Find("alpha"))
	assert.Len(t, dir.Entries(), 1)
}

func TestDirectory__Add__Full(t *testing.T) {
	dir := fs.NewDirectory(2)
	require.NoError(t, dir.Add("one", 10, false))
	require.NoError(t, dir.Add("two", 11, false))

	assert.ErrorIs(t, dir.Add("three", 12, false), stratofs.ErrDirectoryFull)
}

func TestDirectory__Add__NameValidation(t *testing.T) {
	dir := fs.NewDirectory(2)

	assert.ErrorIs(t, dir.Add("", 10, false), stratofs.ErrInvalidArgument)
	assert.ErrorIs(
		t, dir.Add("abcdefghij", 10, false), stratofs.ErrNameTooLong)

	// Nine characters is the longest legal name.
	assert.NoError(t, dir.Add("abcdefghi", 10, false))
}

func TestDirectory__Remove(t *testing.T) {
	dir := fs.NewDirectory(3)
	require.NoError(t, dir.Add("alpha", 10, false))
	require.NoError(t, dir.Add("beta", 11, false))

	require.NoError(t, dir.Remove("alpha"))
	assert.Equal(t, -1, dir.Find("alpha"))
	assert.ErrorIs(t, dir.Remove("alpha"), stratofs.ErrNotFound)

	// A freed slot is reclaimed by the next Add.
	require.NoError(t, dir.Add("gamma", 12, false))
	assert.Len(t, dir.Entries(), 2)
}

func TestDirectory__FetchWriteBack__RoundTrip(t *testing.T) {
	fsys := fstest.CreateTestFileSystem(t, 1024, 10)

	rootFile, err := fs.Open(fsys.Device(), fs.RootDirectorySector)
	require.NoError(t, err)

	dir := fs.NewDirectory(10)
	require.NoError(t, dir.FetchFrom(rootFile))
	require.NoError(t, dir.Add("alpha", 10, false))
	require.NoError(t, dir.Add("subdir", 11, true))
	require.NoError(t, dir.WriteBack(rootFile))

	reloaded := fs.NewDirectory(10)
	require.NoError(t, reloaded.FetchFrom(rootFile))
	assert.Equal(t, dir.Entries(), reloaded.Entries())
}

func TestDirectory__List(t *testing.T) {
	fsys := fstest.CreateTestFileSystem(t, 1024, 10)

	var empty strings.Builder
	require.NoError(t, fsys.List("/", false, &empty))
	assert.Equal(t, "The directory is empty\n", empty.String())

	require.NoError(t, fsys.Create("/notes", 100))
	require.NoError(t, fsys.Mkdir("/docs"))
	require.NoError(t, fsys.Create("/docs/readme", 50))

	var flat strings.Builder
	require.NoError(t, fsys.List("/", false, &flat))
	assert.Equal(t, "notes\ndocs\n", flat.String())

	var recursive strings.Builder
	require.NoError(t, fsys.List("/", true, &recursive))
	assert.Equal(t, "[F] notes\n[D] docs\n    [F] readme\n", recursive.String())
}
