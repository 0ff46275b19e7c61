// This file implements the per-bit bitmap primitives of spec.md component
// C1, over github.com/boljen/go-bitmap rather than hand-rolled shifting —
// the library already provides exactly the byte-array get/set semantics the
// spec calls for.

package exfat

import (
	"github.com/boljen/go-bitmap"
	"github.com/dsoprea/go-logging"
)

// ClusterBitmap is a bitmap indexed by cluster number, where cluster 2 (the
// first heap cluster) maps to bit 0. It backs both the in-memory
// "alloc_bitmap" the walk builds up and the "disk_bitmap" snapshot read at
// startup (spec.md section 3).
type ClusterBitmap struct {
	raw          bitmap.Bitmap
	clusterCount uint32
}

// NewClusterBitmap allocates a zeroed bitmap large enough for clusterCount
// heap clusters.
func NewClusterBitmap(clusterCount uint32) *ClusterBitmap {
	return &ClusterBitmap{
		raw:          bitmap.NewSlice(int(clusterCount)),
		clusterCount: clusterCount,
	}
}

// NewClusterBitmapFromBytes wraps an existing byte-array bitmap (as read
// from the disk-bitmap region) without copying.
func NewClusterBitmapFromBytes(raw []byte, clusterCount uint32) *ClusterBitmap {
	return &ClusterBitmap{
		raw:          bitmap.Bitmap(raw),
		clusterCount: clusterCount,
	}
}

func (cb *ClusterBitmap) indexFor(cluster uint32) int {
	if cluster < 2 {
		log.Panicf("cluster can not be less than 2: (%d)", cluster)
	}

	index := cluster - 2
	if index >= cb.clusterCount {
		log.Panicf("cluster exceeds bitmap bounds: (%d) >= (%d)", index, cb.clusterCount)
	}

	return int(index)
}

// Get returns whether the given cluster's bit is set.
func (cb *ClusterBitmap) Get(cluster uint32) bool {
	return cb.raw.Get(cb.indexFor(cluster))
}

// Set sets or clears the given cluster's bit.
func (cb *ClusterBitmap) Set(cluster uint32, value bool) {
	cb.raw.Set(cb.indexFor(cluster), value)
}

// Bytes returns the raw backing bitmap, sized to hold ClusterCount bits.
func (cb *ClusterBitmap) Bytes() []byte {
	byteLen := (int(cb.clusterCount) + 7) / 8
	if byteLen > len(cb.raw) {
		byteLen = len(cb.raw)
	}

	return cb.raw[:byteLen]
}

// ClusterCount returns the number of clusters this bitmap covers.
func (cb *ClusterBitmap) ClusterCount() uint32 {
	return cb.clusterCount
}
