// This file owns reading and writing the FAT itself, positioned against a
// BlockDevice. The teacher's parseFat read the whole thing once off a
// sequential io.ReadSeeker; this module additionally needs random positioned
// writes for chain truncation (C9) and the reconciliation sweep (C11), so
// FAT I/O is expressed directly in terms of absolute device offsets.

package exfat

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

const (
	// fatMediaType is the required low byte of FatEntry[0].
	fatMediaType = 0xf8
)

// LoadFat reads the active FAT (spec.md section 4.1's "FatEntry[2]..
// FatEntry[ClusterCount+1]") into memory. entries[i] is cluster i+2's
// next-cluster pointer.
func LoadFat(bd BlockDevice, vg VolumeGeometry) (fat Fat, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fatBase := int64(vg.FatOffset) * int64(vg.SectorSize)

	header := make([]byte, 8)
	err = readFullAt(bd, header, fatBase)
	log.PanicIf(err)

	mediaTypeRaw := defaultEncoding.Uint32(header[0:4])
	if mediaTypeRaw&0xff != fatMediaType {
		log.Panicf("media-type not correct: (0x%08x)", mediaTypeRaw)
	}

	reserved := defaultEncoding.Uint32(header[4:8])
	if reserved != uint32(ClusterEOF) {
		log.Panicf("second FAT entry has unexpected value: (0x%08x)", reserved)
	}

	entryCount := vg.ClusterCount
	raw := make([]byte, entryCount*4)

	err = readFullAt(bd, raw, fatBase+8)
	log.PanicIf(err)

	fat = make(Fat, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		fat[i] = MappedCluster(defaultEncoding.Uint32(raw[i*4 : i*4+4]))
	}

	return fat, nil
}

// WriteFatEntry writes a single FAT entry for the given cluster.
func WriteFatEntry(bd BlockDevice, vg VolumeGeometry, cluster uint32, value uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)

	err = writeFullAt(bd, buf, vg.FatEntryOffset(cluster))
	log.PanicIf(err)

	return nil
}
