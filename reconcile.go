// This file implements the reconciliation writer of spec.md component C11.
// No teacher analog exists; grounded on spec.md section 4.7. It uses no I/O
// buffers: the FAT sweep scans the in-memory Fat and writes each freed entry
// with its own positioned 4-byte write, and the bitmap is written back whole
// in one positioned write, whether or not its sectors differ from the disk.

package exfat

import (
	"github.com/dsoprea/go-logging"
)

// Reconcile sweeps the FAT to free any cluster the walk never observed as
// referenced and rewrites the on-disk bitmap to match the in-memory
// alloc_bitmap. It neither clears VolumeDirty nor fsyncs; ClearVolumeDirty
// does both. Only meaningful after a walk that set dirty_fat.
func Reconcile(bd BlockDevice, vg VolumeGeometry, fat Fat, allocBitmap *ClusterBitmap, diskBitmapOffset int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = sweepFat(bd, vg, fat, allocBitmap)
	log.PanicIf(err)

	err = rewriteDiskBitmap(bd, allocBitmap, diskBitmapOffset)
	log.PanicIf(err)

	return nil
}

// sweepFat frees every cluster the walk did not mark referenced.
func sweepFat(bd BlockDevice, vg VolumeGeometry, fat Fat, allocBitmap *ClusterBitmap) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for i, mc := range fat {
		cluster := uint32(i) + firstHeapCluster

		if allocBitmap.Get(cluster) == true {
			continue
		}

		if mc.IsFree() == true {
			continue
		}

		writeErr := WriteFatEntry(bd, vg, cluster, ClusterFree)
		log.PanicIf(writeErr)

		fat[i] = MappedCluster(ClusterFree)
	}

	return nil
}

// rewriteDiskBitmap writes the in-memory alloc_bitmap over the on-disk
// bitmap region in one positioned write.
func rewriteDiskBitmap(bd BlockDevice, allocBitmap *ClusterBitmap, diskBitmapOffset int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := allocBitmap.Bytes()

	err = writeFullAt(bd, raw, diskBitmapOffset)
	log.PanicIf(err)

	return nil
}

// ClearVolumeDirty clears the VolumeDirty flag in the boot sector's
// VolumeFlags field (byte offset 106, bit 1) and fsyncs, completing the
// three-point consistency contract of spec.md section 5.
func ClearVolumeDirty(bd BlockDevice, sectorSize uint32, flags VolumeFlags) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	newFlags := flags.WithDirty(false)

	buf := make([]byte, 2)
	defaultEncoding.PutUint16(buf, uint16(newFlags))

	const volumeFlagsOffset = 106

	writeErr := writeFullAt(bd, buf, volumeFlagsOffset)
	log.PanicIf(writeErr)

	syncErr := bd.Fsync()
	log.PanicIf(syncErr)

	return nil
}
