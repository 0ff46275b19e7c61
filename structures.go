// This file models the on-disk boot-sector structure (spec.md component
// C3). It is kept close to the teacher's struct layout (go-restruct tags,
// field-by-field spec commentary) but the teacher's ExfatReader, which read
// a whole boot region eagerly off an io.ReadSeeker, is gone: bootregion.go
// now owns loading, checksumming, and validating the boot region against a
// BlockDevice, and fat.go owns the FAT itself.

package exfat

import (
	"encoding/binary"
	"fmt"
	"math"
)

// defaultEncoding is the byte order every on-disk exFAT structure uses.
var defaultEncoding = binary.LittleEndian

const (
	// bootSectorHeaderSize is the size, in bytes, of the fixed part of the
	// boot sector that go-restruct parses. The sector itself is padded out
	// to the volume's real sector size (512-4096, spec.md section 4.1)
	// afterward, in bootregion.go, once that size is known.
	bootSectorHeaderSize = 512

	// directoryEntryBytesCount is the fixed size of one directory-entry
	// record (spec.md section 6.1).
	directoryEntryBytesCount = 32
)

var (
	requiredJumpBootSignature     = []byte{0xeb, 0x76, 0x90}
	requiredFileSystemName        = []byte("EXFAT   ")
	requiredBootSignature         = uint16(0xaa55)
	requiredExtendedBootSignature = uint32(0xaa550000)
)

// BootSectorHeader describes the main set of filesystem parameters.
type BootSectorHeader struct {
	// JumpBoot: the jump instruction for CPUs common in personal computers.
	//
	// The valid value for this field is EBh 76h 90h.
	JumpBoot [3]byte

	// FileSystemName: the name of the file system on the volume.
	//
	// The valid value is, in ASCII, "EXFAT   " (three trailing spaces).
	FileSystemName [8]byte

	// MustBeZero corresponds to the packed BIOS parameter block on
	// FAT12/16/32 volumes, and must be all-zero here.
	MustBeZero [53]byte

	// PartitionOffset: media-relative sector offset of the partition.
	PartitionOffset uint64

	// VolumeLength: size of the volume, in sectors.
	VolumeLength uint64

	// FatOffset: volume-relative sector offset of the first FAT.
	FatOffset uint32

	// FatLength: length, in sectors, of each FAT.
	FatLength uint32

	// ClusterHeapOffset: volume-relative sector offset of the cluster heap.
	ClusterHeapOffset uint32

	// ClusterCount: number of clusters the cluster heap contains.
	ClusterCount uint32

	// FirstClusterOfRootDirectory: cluster index of the root directory's
	// first cluster.
	FirstClusterOfRootDirectory uint32

	// VolumeSerialNumber: a unique serial number for the volume.
	VolumeSerialNumber uint32

	// FileSystemRevision: major/minor revision of the exFAT structures.
	// This module requires 1.00 (spec.md section 4.1).
	FileSystemRevision [2]uint8

	// VolumeFlags: status flags (see VolumeFlags type below). Excluded from
	// both boot-region checksums.
	VolumeFlags VolumeFlags

	// BytesPerSectorShift: log2(bytes per sector). Valid range [9, 12].
	BytesPerSectorShift uint8

	// SectorsPerClusterShift: log2(sectors per cluster).
	SectorsPerClusterShift uint8

	// NumberOfFats: 1 (TexFAT volumes may use 2; this module only expects
	// 1, per spec.md section 4.1).
	NumberOfFats uint8

	// DriveSelect: extended INT 13h drive number.
	DriveSelect uint8

	// PercentInUse: percentage of allocated heap clusters, or 0xFF if
	// unavailable. Excluded from both boot-region checksums.
	PercentInUse uint8

	// Reserved: reserved.
	Reserved [7]byte

	// BootCode: boot-strapping instructions.
	BootCode [390]byte

	// BootSignature: must be 0xAA55.
	BootSignature uint16
}

const (
	// VolumeFlagActiveFat selects between the first and second FAT/bitmap.
	VolumeFlagActiveFat VolumeFlags = 1

	// VolumeFlagVolumeDirty describes whether the volume is probably
	// consistent (0) or probably inconsistent (1).
	VolumeFlagVolumeDirty VolumeFlags = 2

	// VolumeFlagMediaFailure describes whether the hosting media has
	// reported failures.
	VolumeFlagMediaFailure VolumeFlags = 4

	// VolumeFlagClearToZero has no defined meaning besides "implementations
	// shall clear this field to 0 prior to modifying any file system
	// structures, directories, or files".
	VolumeFlagClearToZero VolumeFlags = 8
)

// VolumeFlags represents the status flags of spec.md section 6.
type VolumeFlags uint16

// UseFirstFat indicates whether the first FAT should be used.
func (vf VolumeFlags) UseFirstFat() bool {
	return vf&VolumeFlagActiveFat == 0
}

// UseSecondFat indicates whether the second FAT should be used.
func (vf VolumeFlags) UseSecondFat() bool {
	return vf&VolumeFlagActiveFat > 0
}

// IsDirty indicates whether the volume is marked as possibly inconsistent.
func (vf VolumeFlags) IsDirty() bool {
	return vf&VolumeFlagVolumeDirty > 0
}

// HasHadMediaFailures indicates whether media-errors have been detected.
func (vf VolumeFlags) HasHadMediaFailures() bool {
	return vf&VolumeFlagMediaFailure > 0
}

// WithDirty returns a copy of the flags with VolumeDirty set or cleared.
func (vf VolumeFlags) WithDirty(dirty bool) VolumeFlags {
	if dirty == true {
		return vf | VolumeFlagVolumeDirty
	}

	return vf &^ VolumeFlagVolumeDirty
}

// String returns a descriptive string.
func (vf VolumeFlags) String() string {
	return fmt.Sprintf("VolumeFlags<USE-FIRST-FAT=[%v] IS-DIRTY=[%v] MEDIA-FAILURE=[%v]>",
		vf.UseFirstFat(), vf.IsDirty(), vf.HasHadMediaFailures())
}

// SectorSize returns the effective sector-size.
func (bsh BootSectorHeader) SectorSize() uint32 {
	return uint32(math.Pow(2, float64(bsh.BytesPerSectorShift)))
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (bsh BootSectorHeader) SectorsPerCluster() uint32 {
	return uint32(math.Pow(2, float64(bsh.SectorsPerClusterShift)))
}

// ClusterSize returns the effective cluster size, in bytes.
func (bsh BootSectorHeader) ClusterSize() uint32 {
	return bsh.SectorSize() * bsh.SectorsPerCluster()
}

// Geometry extracts a VolumeGeometry out of the boot-sector fields.
func (bsh BootSectorHeader) Geometry() VolumeGeometry {
	return VolumeGeometry{
		SectorSize:        bsh.SectorSize(),
		SectorsPerCluster: bsh.SectorsPerCluster(),
		ClusterSize:       bsh.ClusterSize(),
		ClusterHeapOffset: bsh.ClusterHeapOffset,
		ClusterCount:      bsh.ClusterCount,
		FatOffset:         bsh.FatOffset,
		FatLength:         bsh.FatLength,
	}
}

// String returns a description of the boot sector.
func (bsh BootSectorHeader) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x) CLUSTERS=(%d)>",
		bsh.VolumeSerialNumber, bsh.FileSystemRevision[0], bsh.FileSystemRevision[1], bsh.ClusterCount)
}

// MappedCluster represents one cluster entry in the FAT.
type MappedCluster uint32

// IsBad indicates that this cluster has been marked as having one or more
// bad sectors.
func (mc MappedCluster) IsBad() bool {
	return uint32(mc) == ClusterBad
}

// IsLast indicates that no more clusters follow the cluster that led to this
// entry.
func (mc MappedCluster) IsLast() bool {
	return uint32(mc) == ClusterEOF
}

// IsFree indicates that the cluster is unallocated.
func (mc MappedCluster) IsFree() bool {
	return uint32(mc) == ClusterFree
}

// Fat is the collection of FAT entries for clusters [2, 2+len(Fat)), i.e.
// Fat[i] is the next-cluster pointer for cluster i+2.
type Fat []MappedCluster
