package exfat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testGeometry() VolumeGeometry {
	return VolumeGeometry{
		SectorSize:        512,
		SectorsPerCluster: 1,
		ClusterSize:       512,
		ClusterHeapOffset: 25,
		ClusterCount:      20,
		FatOffset:         24,
		FatLength:         1,
	}
}

func TestIsHeapCluster(t *testing.T) {
	vg := testGeometry()

	require.False(t, vg.IsHeapCluster(0))
	require.False(t, vg.IsHeapCluster(1))
	require.True(t, vg.IsHeapCluster(2))
	require.True(t, vg.IsHeapCluster(21))
	require.False(t, vg.IsHeapCluster(22))
}

func TestClusterOffset(t *testing.T) {
	vg := testGeometry()

	offset, err := vg.ClusterOffset(2)
	require.NoError(t, err)
	require.Equal(t, int64(25*512), offset)

	offset, err = vg.ClusterOffset(5)
	require.NoError(t, err)
	require.Equal(t, int64(25*512+3*512), offset)

	_, err = vg.ClusterOffset(1)
	require.Error(t, err)
}

func TestClustersForSize(t *testing.T) {
	vg := testGeometry()

	require.Equal(t, uint32(0), vg.ClustersForSize(0))
	require.Equal(t, uint32(1), vg.ClustersForSize(1))
	require.Equal(t, uint32(1), vg.ClustersForSize(512))
	require.Equal(t, uint32(2), vg.ClustersForSize(513))
}

func TestNextClusterContiguous(t *testing.T) {
	next, ok, err := NextCluster(nil, 5, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(6), next)
}

func TestNextClusterFatChained(t *testing.T) {
	fat := Fat{
		MappedCluster(7),          // cluster 2
		MappedCluster(ClusterEOF), // cluster 3
	}

	next, ok, err := NextCluster(fat, 2, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), next)

	_, ok, err = NextCluster(fat, 3, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNextClusterOutOfFatBounds(t *testing.T) {
	fat := Fat{MappedCluster(ClusterEOF)}

	_, _, err := NextCluster(fat, 99, false)
	require.Error(t, err)
}
