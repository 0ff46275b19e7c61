// This file holds the cluster-addressing primitives of spec.md component
// C4: cluster<->byte-offset conversion, the heap-range predicate, and
// next-cluster lookup for both contiguous and FAT-chained inodes. These were
// inlined inside the teacher's newExfatCluster/EnumerateClusters; they are
// pulled out standalone here because both the cluster-chain validator (C9)
// and the reconciliation writer (C11) need them without an ExfatCluster
// object in between.

package exfat

import (
	"github.com/dsoprea/go-logging"
)

// ClusterFree and ClusterEOF are the sentinel FAT values of spec.md section
// 3.
const (
	ClusterFree uint32 = 0
	ClusterEOF  uint32 = 0xFFFFFFFF
	ClusterBad  uint32 = 0xFFFFFFF7

	// firstHeapCluster is the lowest cluster number in the heap.
	firstHeapCluster uint32 = 2
)

// VolumeGeometry carries the handful of boot-sector-derived numbers that
// every cluster-addressing computation needs.
type VolumeGeometry struct {
	SectorSize        uint32
	SectorsPerCluster uint32
	ClusterSize       uint32
	ClusterHeapOffset uint32 // in sectors
	ClusterCount      uint32
	FatOffset         uint32 // in sectors
	FatLength         uint32 // in sectors
}

// IsHeapCluster reports whether the given cluster number falls inside
// [2, 2+ClusterCount), the "heap" of spec.md section 3.
func (vg VolumeGeometry) IsHeapCluster(cluster uint32) bool {
	return cluster >= firstHeapCluster && cluster < firstHeapCluster+vg.ClusterCount
}

// ClusterOffset returns the absolute device byte-offset of the given
// cluster's first byte.
func (vg VolumeGeometry) ClusterOffset(cluster uint32) (offset int64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vg.IsHeapCluster(cluster) != true {
		log.Panicf("cluster not in heap: (%d)", cluster)
	}

	heapByteOffset := int64(vg.ClusterHeapOffset) * int64(vg.SectorSize)
	offset = heapByteOffset + int64(cluster-firstHeapCluster)*int64(vg.ClusterSize)

	return offset, nil
}

// FatEntryOffset returns the absolute device byte-offset of the FAT entry
// for the given cluster (spec.md section 3: "A 32-bit little-endian word at
// fat_offset*sector_size + 4*cluster").
func (vg VolumeGeometry) FatEntryOffset(cluster uint32) int64 {
	return int64(vg.FatOffset)*int64(vg.SectorSize) + 4*int64(cluster)
}

// ClustersForSize returns ceil(size / ClusterSize), the number of clusters
// needed to hold a file of the given logical size.
func (vg VolumeGeometry) ClustersForSize(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return uint32((size + uint64(vg.ClusterSize) - 1) / uint64(vg.ClusterSize))
}

// NextCluster returns the next cluster in a chain. For contiguous
// ("NoFatChain") inodes this is simply cluster+1; otherwise it is the FAT
// entry for the cluster. ok is false if the FAT entry / adjacency does not
// resolve to a further cluster (EOF reached).
func NextCluster(fat Fat, cluster uint32, contiguous bool) (next uint32, ok bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if contiguous == true {
		return cluster + 1, true, nil
	}

	index := cluster - firstHeapCluster
	if index >= uint32(len(fat)) {
		log.Panicf("cluster exceeds FAT bounds: (%d) >= (%d)", index, len(fat))
	}

	mc := fat[index]
	if mc.IsLast() == true {
		return 0, false, nil
	}

	return uint32(mc), true, nil
}

// ReadChainedClusters reads byteLen bytes starting at firstCluster, marking
// every cluster it visits referenced in allocBitmap as it goes. Both the
// allocation-bitmap and upcase-table directory entries point at a
// NoFatChain (contiguous) cluster run, so contiguous is always true here;
// the FAT is never consulted.
func ReadChainedClusters(bd BlockDevice, vg VolumeGeometry, firstCluster uint32, byteLen uint64, allocBitmap *ClusterBitmap) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw = make([]byte, byteLen)

	clusterCount := vg.ClustersForSize(byteLen)
	cluster := firstCluster

	for i := uint32(0); i < clusterCount; i++ {
		if vg.IsHeapCluster(cluster) != true {
			log.Panicf("cluster chain left the heap: (%d)", cluster)
		}

		offset, offsetErr := vg.ClusterOffset(cluster)
		log.PanicIf(offsetErr)

		remaining := byteLen - uint64(i)*uint64(vg.ClusterSize)
		readLen := uint64(vg.ClusterSize)
		if remaining < readLen {
			readLen = remaining
		}

		chunk := raw[uint64(i)*uint64(vg.ClusterSize) : uint64(i)*uint64(vg.ClusterSize)+readLen]

		readErr := readFullAt(bd, chunk, offset)
		log.PanicIf(readErr)

		allocBitmap.Set(cluster, true)

		if i+1 < clusterCount {
			next, ok, nextErr := NextCluster(nil, cluster, true)
			log.PanicIf(nextErr)

			if ok != true {
				log.Panicf("cluster chain ended early at cluster (%d)", cluster)
			}

			cluster = next
		}
	}

	return raw, nil
}
