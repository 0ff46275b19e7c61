package exfat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupByTypeFindsAllocBitmapEntry(t *testing.T) {
	md, _ := newCleanVolume()
	vg := testGeometry()
	fat := newTestFat(nil)

	di, err := NewDentryIterator(md, vg, fat, testRootCluster, false)
	require.NoError(t, err)

	result, found, err := LookupByType(di, "AllocationBitmap")
	require.NoError(t, err)
	require.True(t, found)

	abde, ok := result.Primary.(*ExfatAllocationBitmapDirectoryEntry)
	require.True(t, ok)
	require.Equal(t, uint32(testBitmapCluster), abde.FirstCluster)
}

func TestLookupByTypeFindsFileEntryWithSecondaries(t *testing.T) {
	md, _ := newCleanVolume()
	vg := testGeometry()
	fat := newTestFat(nil)

	di, err := NewDentryIterator(md, vg, fat, testRootCluster, false)
	require.NoError(t, err)

	result, found, err := LookupByType(di, "File")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, result.SecondaryEntries, 2)

	_, isStream := result.SecondaryEntries[0].(*ExfatStreamExtensionDirectoryEntry)
	require.True(t, isStream)

	_, isName := result.SecondaryEntries[1].(*ExfatFileNameDirectoryEntry)
	require.True(t, isName)
}

func TestLookupByTypeReturnsNotFoundAtEndOfDirectory(t *testing.T) {
	md, _ := newCleanVolume()
	vg := testGeometry()
	fat := newTestFat(nil)

	di, err := NewDentryIterator(md, vg, fat, testRootCluster, false)
	require.NoError(t, err)

	_, found, err := LookupByType(di, "VolumeLabel")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLookupByTypeAdvancesPastNonMatchingEntries(t *testing.T) {
	md, _ := newCleanVolume()
	vg := testGeometry()
	fat := newTestFat(nil)

	di, err := NewDentryIterator(md, vg, fat, testRootCluster, false)
	require.NoError(t, err)

	// Upcase table is the second entry in the directory; looking it up
	// directly must skip over the alloc-bitmap entry ahead of it.
	result, found, err := LookupByType(di, "UpcaseTable")
	require.NoError(t, err)
	require.True(t, found)

	utde, ok := result.Primary.(*ExfatUpcaseTableDirectoryEntry)
	require.True(t, ok)
	require.Equal(t, uint32(testUpcaseCluster), utde.FirstCluster)
}
