package exfat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshBitmaps(vg VolumeGeometry, referenced []uint32) (*ClusterBitmap, *ClusterBitmap) {
	alloc := NewClusterBitmap(vg.ClusterCount)
	disk := NewClusterBitmap(vg.ClusterCount)

	for _, c := range referenced {
		disk.Set(c, true)
	}

	return alloc, disk
}

func TestValidateChainZeroSizeFreeIsNoOp(t *testing.T) {
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, nil)

	out, err := ValidateChain(vg, nil, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         0,
		FirstCluster: ClusterFree,
	})
	require.NoError(t, err)
	require.Empty(t, out.Faults)
	require.False(t, out.Truncated)
}

func TestValidateChainCleanContiguousFile(t *testing.T) {
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, []uint32{5, 6, 7})

	out, err := ValidateChain(vg, nil, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         uint64(3 * vg.ClusterSize),
		ValidSize:    uint64(3 * vg.ClusterSize),
		FirstCluster: 5,
		Contiguous:   true,
	})
	require.NoError(t, err)
	require.Empty(t, out.Faults)
	require.Equal(t, []uint32{5, 6, 7}, out.AcceptedClusters)
	require.True(t, alloc.Get(5))
	require.True(t, alloc.Get(6))
	require.True(t, alloc.Get(7))
}

func TestValidateChainOffByOneOversizeShrinksToFatChain(t *testing.T) {
	// spec.md section 8 scenario 2: declared size is one cluster larger than
	// the actual FAT chain.
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, []uint32{5})

	fat := newTestFat(nil) // cluster 5 -> EOF (single-cluster chain)

	out, err := ValidateChain(vg, fat, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         uint64(2 * vg.ClusterSize),
		FirstCluster: 5,
		Contiguous:   false,
	})
	require.NoError(t, err)
	require.Empty(t, out.Faults)
	require.Equal(t, uint64(vg.ClusterSize), out.Size)
	require.Equal(t, []uint32{5}, out.AcceptedClusters)
}

func TestValidateChainExcessTailTruncatesAndTerminatesFat(t *testing.T) {
	// FAT chain is longer than the declared size: FILE_SMALLER_SIZE.
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, []uint32{5, 6, 7})

	fat := newTestFat(map[uint32]uint32{5: 6, 6: 7})

	out, err := ValidateChain(vg, fat, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         uint64(vg.ClusterSize), // declares only 1 cluster
		FirstCluster: 5,
		Contiguous:   false,
	})
	require.NoError(t, err)
	require.Empty(t, out.Faults)
	require.True(t, out.Truncated)
	require.Equal(t, []uint32{5}, out.AcceptedClusters)
	require.Equal(t, uint32(5), out.TerminateAfter)
	require.Equal(t, uint64(vg.ClusterSize), out.Size)

	// The excess clusters must be released from alloc_bitmap so the
	// reconciliation sweep frees their FAT entries.
	require.True(t, alloc.Get(5))
	require.False(t, alloc.Get(6))
	require.False(t, alloc.Get(7))
}

func TestValidateChainDeclinedExcessTailLeavesFaultAndNoMutation(t *testing.T) {
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, []uint32{5, 6, 7})

	fat := newTestFat(map[uint32]uint32{5: 6, 6: 7})

	out, err := ValidateChain(vg, fat, alloc, disk, NewRepairPolicy(ModeNo, nil), ChainInput{
		Size:         uint64(vg.ClusterSize),
		FirstCluster: 5,
		Contiguous:   false,
	})
	require.NoError(t, err)
	require.Len(t, out.Faults, 1)
	require.Equal(t, FaultCodeFileSmallerSize, out.Faults[0].Code)
	require.False(t, out.Truncated)
	require.Equal(t, uint64(vg.ClusterSize), out.Size) // unchanged, policy declined

	// No repair means no bitmap mutation either.
	require.True(t, alloc.Get(6))
	require.True(t, alloc.Get(7))
}

func TestValidateChainDuplicateClusterTruncatesAtOccurrence(t *testing.T) {
	// spec.md section 8 scenario 6: two files share cluster 100 (here 6).
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, []uint32{5, 6})

	fat := newTestFat(map[uint32]uint32{5: 6})

	// File A already claimed clusters 5 and 6.
	alloc.Set(5, true)
	alloc.Set(6, true)

	// File B's chain starts fresh at cluster 8 but (erroneously) also
	// references cluster 6.
	fatB := newTestFat(map[uint32]uint32{8: 6})
	disk.Set(8, true)

	out, err := ValidateChain(vg, fatB, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         uint64(2 * vg.ClusterSize),
		FirstCluster: 8,
		Contiguous:   false,
	})
	require.NoError(t, err)
	require.True(t, out.Truncated)
	require.Equal(t, []uint32{8}, out.AcceptedClusters)
	require.Equal(t, uint32(8), out.TerminateAfter)
	require.Equal(t, uint64(vg.ClusterSize), out.Size)
}

func TestValidateChainInvalidFirstClusterOutsideHeap(t *testing.T) {
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, nil)

	out, err := ValidateChain(vg, nil, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         uint64(vg.ClusterSize),
		FirstCluster: 999,
	})
	require.NoError(t, err)
	require.True(t, out.Truncated)
	require.Equal(t, uint64(0), out.Size)
	require.Equal(t, uint32(ClusterFree), out.FirstCluster)
}

func TestValidateChainZeroSizeContiguousFlagCleared(t *testing.T) {
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, nil)

	out, err := ValidateChain(vg, nil, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         0,
		FirstCluster: ClusterFree,
		Contiguous:   true,
	})
	require.NoError(t, err)
	require.False(t, out.Contiguous)
	require.Empty(t, out.Faults)
}

func TestValidateChainValidSizeExceedsSizeIsClamped(t *testing.T) {
	vg := testGeometry()
	alloc, disk := freshBitmaps(vg, []uint32{5})

	fat := newTestFat(nil)

	out, err := ValidateChain(vg, fat, alloc, disk, NewRepairPolicy(ModeYes, nil), ChainInput{
		Size:         uint64(vg.ClusterSize),
		ValidSize:    uint64(vg.ClusterSize) * 2,
		FirstCluster: 5,
	})
	require.NoError(t, err)
	require.Equal(t, out.Size, out.ValidSize)
}

func TestValidateChainInvalidClusterMarkedFreeOnDisk(t *testing.T) {
	vg := testGeometry()
	// cluster 5 is NOT marked referenced in the disk bitmap.
	alloc, disk := freshBitmaps(vg, nil)

	out, err := ValidateChain(vg, nil, alloc, disk, NewRepairPolicy(ModeNo, nil), ChainInput{
		Size:         uint64(vg.ClusterSize),
		FirstCluster: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Faults)
	require.Equal(t, FaultCodeFileInvalidClus, out.Faults[0].Code)
}
