package exfat

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestFat builds a Fat slice covering testClusterCount heap clusters,
// defaulting every entry to EOF, with the given cluster->next overrides
// applied (cluster numbers, not FAT-array indices).
func newTestFat(overrides map[uint32]uint32) Fat {
	fat := make(Fat, testClusterCount)
	for i := range fat {
		fat[i] = MappedCluster(ClusterEOF)
	}

	for cluster, next := range overrides {
		fat[cluster-firstHeapCluster] = MappedCluster(next)
	}

	return fat
}

func TestDentryIteratorGetAndAdvanceAcrossClusters(t *testing.T) {
	vb := newVolumeBuilder()
	vb.writeFat(map[uint32]uint32{5: 6, 6: uint32(ClusterEOF)})

	clusterA := make([]byte, testSectorSize)
	clusterA[0] = 0x85

	clusterB := make([]byte, testSectorSize)
	clusterB[0] = 0x42 // marker entry at start of second cluster

	vb.writeCluster(5, clusterA)
	vb.writeCluster(6, clusterB)

	md := newMemDevice(vb.raw)
	vg := testGeometry()
	fat := newTestFat(map[uint32]uint32{5: 6})

	di, err := NewDentryIterator(md, vg, fat, 5, false)
	require.NoError(t, err)

	raw, err := di.Get(0)
	require.NoError(t, err)
	require.Equal(t, byte(0x85), raw[0])

	// entriesPerCluster for a 512-byte sector/cluster is 16 (512/32); peek
	// into the second buffer without advancing.
	peeked, err := di.Get(16)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), peeked[0])

	err = di.Advance(16)
	require.NoError(t, err)

	cur, err := di.Get(0)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), cur[0])
}

func TestDentryIteratorGetDirtyPersistsOnAdvance(t *testing.T) {
	vb := newVolumeBuilder()
	vb.writeFat(nil)

	vb.writeCluster(5, make([]byte, testSectorSize))

	md := newMemDevice(vb.raw)
	vg := testGeometry()
	fat := newTestFat(nil)

	di, err := NewDentryIterator(md, vg, fat, 5, false)
	require.NoError(t, err)

	entry, err := di.GetDirty(0)
	require.NoError(t, err)
	entry[0] = 0x99

	entriesPerCluster := int(vg.ClusterSize / directoryEntryBytesCount)
	err = di.Advance(entriesPerCluster)
	require.NoError(t, err)

	offset, err := vg.ClusterOffset(5)
	require.NoError(t, err)

	onDisk := make([]byte, 1)
	_, err = md.ReadAt(onDisk, offset)
	require.NoError(t, err)
	require.Equal(t, byte(0x99), onDisk[0])
}

func TestDentryIteratorEOFAtChainEnd(t *testing.T) {
	vb := newVolumeBuilder()
	vb.writeFat(nil)
	vb.writeCluster(5, make([]byte, testSectorSize))

	md := newMemDevice(vb.raw)
	vg := testGeometry()
	fat := newTestFat(nil)

	di, err := NewDentryIterator(md, vg, fat, 5, false)
	require.NoError(t, err)

	entriesPerCluster := int(vg.ClusterSize / directoryEntryBytesCount)

	_, err = di.Get(entriesPerCluster)
	require.Equal(t, io.EOF, err)
}
