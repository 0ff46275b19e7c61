// This file replaces the teacher's testing_common.go GOPATH/binary-fixture
// approach (real captured exFAT images keyed off $GOPATH) with a synthetic
// in-memory volume builder, grounded on xaionaro-go/bytesextra the way the
// other example repos in the retrieval pack use it to turn a byte slice into
// an io.ReadWriteSeeker: none of this module's tests need a real filesystem
// image, only bytes laid out like one, and a synthetic layout exercises the
// fault paths a captured "golden" image never would.

package exfat

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/xaionaro-go/bytesextra"
)

// memDevice adapts an in-memory byte slice to BlockDevice. bytesextra's
// ReadWriteSeeker only exposes Read/Write/Seek (no ReaderAt/WriterAt), so
// positioned I/O is implemented as seek-then-read/write under a mutex,
// matching how the other example repos in the retrieval pack use this
// library purely for its io.ReadWriteSeeker view over a byte slice.
type memDevice struct {
	mu  sync.Mutex
	raw []byte
	rws io.ReadWriteSeeker
}

func newMemDevice(raw []byte) *memDevice {
	return &memDevice{
		raw: raw,
		rws: bytesextra.NewReadWriteSeeker(raw),
	}
}

func (md *memDevice) ReadAt(p []byte, off int64) (n int, err error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if _, err = md.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}

	return io.ReadFull(md.rws, p)
}

func (md *memDevice) WriteAt(p []byte, off int64) (n int, err error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if _, err = md.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}

	return md.rws.Write(p)
}

func (md *memDevice) Fsync() error {
	return nil
}

func (md *memDevice) Size() (int64, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	return int64(len(md.raw)), nil
}

// Synthetic volume geometry shared by every test built with
// newVolumeBuilder: 512-byte sectors, 1 sector per cluster, 20 heap
// clusters, FAT at sector 24, cluster heap at sector 25.
const (
	testSectorSize    = 512
	testClusterCount  = 20
	testFatOffsetSec  = 24
	testFatLengthSec  = 1
	testHeapOffsetSec = 25

	testBitmapCluster = 2
	testUpcaseCluster = 3
	testRootCluster   = 4
)

// volumeBuilder assembles a minimal, valid synthetic exFAT image byte by
// byte, the way a from-scratch formatter would, so each test can start from
// "known good" and introduce exactly one fault.
type volumeBuilder struct {
	raw []byte
}

func newVolumeBuilder() *volumeBuilder {
	totalSectors := testHeapOffsetSec + testClusterCount
	raw := make([]byte, totalSectors*testSectorSize)

	vb := &volumeBuilder{raw: raw}
	vb.writeBootSector(mainBootRegionOffset)
	vb.writeBootSector(backupBootRegionOffset)
	return vb
}

// buildBootSectorFields renders the 512-byte main boot sector payload
// (before the 8 extended boot sectors / OEM / reserved / checksum sectors
// that follow it in the 12-sector boot region).
func (vb *volumeBuilder) buildBootSectorFields() []byte {
	sector := make([]byte, testSectorSize)

	copy(sector[0:3], requiredJumpBootSignature)
	copy(sector[3:11], requiredFileSystemName)
	// MustBeZero [11:64] left zero.

	binary.LittleEndian.PutUint64(sector[64:72], 0)                                    // PartitionOffset
	binary.LittleEndian.PutUint64(sector[72:80], uint64(len(vb.raw)/testSectorSize))    // VolumeLength
	binary.LittleEndian.PutUint32(sector[80:84], testFatOffsetSec)                      // FatOffset
	binary.LittleEndian.PutUint32(sector[84:88], testFatLengthSec)                      // FatLength
	binary.LittleEndian.PutUint32(sector[88:92], testHeapOffsetSec)                     // ClusterHeapOffset
	binary.LittleEndian.PutUint32(sector[92:96], testClusterCount)                      // ClusterCount
	binary.LittleEndian.PutUint32(sector[96:100], testRootCluster)                      // FirstClusterOfRootDirectory
	binary.LittleEndian.PutUint32(sector[100:104], 0x12345678)                          // VolumeSerialNumber
	sector[104] = 0 // FileSystemRevision minor
	sector[105] = 1 // FileSystemRevision major
	binary.LittleEndian.PutUint16(sector[106:108], 0) // VolumeFlags
	sector[108] = 9                                   // BytesPerSectorShift -> 512
	sector[109] = 0                                   // SectorsPerClusterShift -> 1
	sector[110] = 1                                   // NumberOfFats
	sector[111] = 0                                   // DriveSelect
	sector[112] = 0                                   // PercentInUse

	binary.LittleEndian.PutUint16(sector[510:512], uint16(requiredBootSignature))

	return sector
}

// writeBootSector renders a full 12-sector boot region (main sector, 8
// extended boot sectors, OEM parameters sector, reserved sector, checksum
// sector) starting at baseSector, and writes it into vb.raw.
func (vb *volumeBuilder) writeBootSector(baseSector int) {
	sectors := make([][]byte, 12)
	sectors[0] = vb.buildBootSectorFields()

	for i := 1; i <= 8; i++ {
		s := make([]byte, testSectorSize)
		binary.LittleEndian.PutUint32(s[testSectorSize-4:], requiredExtendedBootSignature)
		sectors[i] = s
	}

	sectors[9] = make([]byte, testSectorSize)  // OEM parameters
	sectors[10] = make([]byte, testSectorSize) // reserved

	checksum := computeBootChecksum(sectors[:11])

	checksumSector := make([]byte, testSectorSize)
	for i := 0; i+4 <= testSectorSize; i += 4 {
		binary.LittleEndian.PutUint32(checksumSector[i:i+4], checksum)
	}
	sectors[11] = checksumSector

	for i, s := range sectors {
		offset := (baseSector + i) * testSectorSize
		copy(vb.raw[offset:offset+testSectorSize], s)
	}
}

// writeFat writes the FAT header (media type + reserved EOF marker) plus
// whatever chain entries entries maps (cluster number -> next-cluster
// value).
func (vb *volumeBuilder) writeFat(entries map[uint32]uint32) {
	base := testFatOffsetSec * testSectorSize

	binary.LittleEndian.PutUint32(vb.raw[base:base+4], 0xfffffff8)
	binary.LittleEndian.PutUint32(vb.raw[base+4:base+8], 0xffffffff)

	for cluster, next := range entries {
		offset := base + int(cluster)*4
		binary.LittleEndian.PutUint32(vb.raw[offset:offset+4], next)
	}
}

// clusterOffset returns the byte offset of the given heap cluster.
func (vb *volumeBuilder) clusterOffset(cluster uint32) int {
	heapBase := testHeapOffsetSec * testSectorSize
	return heapBase + int(cluster-2)*testSectorSize
}

// writeCluster copies data into the given heap cluster, zero-padding or
// truncating to the cluster size.
func (vb *volumeBuilder) writeCluster(cluster uint32, data []byte) {
	offset := vb.clusterOffset(cluster)
	n := copy(vb.raw[offset:offset+testSectorSize], data)
	_ = n
}

// writeAllocBitmap marks the given heap clusters as allocated in the
// on-disk bitmap at testBitmapCluster.
func (vb *volumeBuilder) writeAllocBitmap(allocated []uint32) {
	bitmapBytes := make([]byte, 3)
	for _, cluster := range allocated {
		idx := cluster - 2
		bitmapBytes[idx/8] |= 1 << (idx % 8)
	}
	vb.writeCluster(testBitmapCluster, bitmapBytes)
}

// writeUpcaseTable writes a maximally-compressed (all-identity) upcase
// table at testUpcaseCluster and returns its checksum.
func (vb *volumeBuilder) writeUpcaseTable() uint32 {
	raw := []byte{0xff, 0xff, 0xff, 0xff} // marker, run-length 65535
	vb.writeCluster(testUpcaseCluster, raw)

	return computeBootChecksum([][]byte{raw})
}

// testFileSpec describes one file (or subdirectory) entry to plant in the
// root directory built by buildRootDirectory.
type testFileSpec struct {
	name         string
	attrs        uint16
	firstCluster uint32
	size         uint64
	contiguous   bool
}

const (
	testAttrArchive   = 0x20
	testAttrDirectory = 0x10
)

// buildRootDirectory renders a full root-directory cluster: the
// allocation-bitmap entry, the upcase-table entry, one entry-set per spec in
// files, and the root directory never needs a LAST marker here since the
// cluster's trailing bytes are already zero (EntryType 0 is LAST).
func buildRootDirectory(upcaseChecksum uint32, files []testFileSpec) []byte {
	dir := make([]byte, testSectorSize)

	abde := dir[0:32]
	abde[0] = rawEntryTypeAllocBitmap
	binary.LittleEndian.PutUint32(abde[20:24], testBitmapCluster)
	binary.LittleEndian.PutUint64(abde[24:32], 3)

	utde := dir[32:64]
	utde[0] = rawEntryTypeUpcaseTable
	binary.LittleEndian.PutUint32(utde[4:8], upcaseChecksum)
	binary.LittleEndian.PutUint32(utde[20:24], testUpcaseCluster)
	binary.LittleEndian.PutUint64(utde[24:32], 4)

	offset := 64
	for _, spec := range files {
		offset = appendFileEntrySet(dir, offset, spec)
	}

	return dir
}

// appendFileEntrySet writes a (file, stream, name) entry-set for a
// single-component, ASCII-only name at the given byte offset within dir,
// returning the offset immediately after it.
func appendFileEntrySet(dir []byte, offset int, spec testFileSpec) int {
	fileEntry := dir[offset : offset+32]
	streamEntry := dir[offset+32 : offset+64]
	nameEntry := dir[offset+64 : offset+96]

	fileEntry[0] = rawEntryTypeFile
	fileEntry[1] = 2 // SecondaryCount: 1 stream + 1 name entry
	binary.LittleEndian.PutUint16(fileEntry[4:6], spec.attrs)

	streamFlags := byte(1)
	if spec.contiguous == true {
		streamFlags |= 2
	}
	streamEntry[0] = 0xc0
	streamEntry[1] = streamFlags
	streamEntry[3] = byte(len(spec.name))
	binary.LittleEndian.PutUint64(streamEntry[8:16], spec.size)
	binary.LittleEndian.PutUint32(streamEntry[20:24], spec.firstCluster)
	binary.LittleEndian.PutUint64(streamEntry[24:32], spec.size)

	nameEntry[0] = 0xc1
	utf16Name := make([]uint16, 0, len(spec.name))
	for i, r := range spec.name {
		utf16Name = append(utf16Name, uint16(r))
		if i >= 15 {
			break
		}
		nameEntry[2+i*2] = byte(r)
	}

	computedHash := nameHash(utf16Name)
	binary.LittleEndian.PutUint16(streamEntry[4:6], computedHash)

	checksum := entrySetChecksum([][]byte{fileEntry, streamEntry, nameEntry})
	binary.LittleEndian.PutUint16(fileEntry[2:4], checksum)

	return offset + 96
}

// newCleanVolume builds a fully valid synthetic volume with a single
// contiguous one-cluster file named "HI" at cluster 5, matching spec.md
// section 8's "clean volume" property. Returns the device and the builder
// that produced it.
func newCleanVolume() (*memDevice, *volumeBuilder) {
	vb := newVolumeBuilder()

	upcaseChecksum := vb.writeUpcaseTable()
	vb.writeAllocBitmap([]uint32{testBitmapCluster, testUpcaseCluster, testRootCluster, 5})
	// The root directory is a single-cluster, FAT-chained ("not NoFatChain")
	// inode: its own FAT entry must terminate the chain the walk follows
	// when it marks the directory's own clusters referenced.
	vb.writeFat(map[uint32]uint32{testRootCluster: uint32(ClusterEOF)})

	dir := buildRootDirectory(upcaseChecksum, []testFileSpec{
		{name: "HI", attrs: testAttrArchive, firstCluster: 5, size: testSectorSize, contiguous: true},
	})
	vb.writeCluster(testRootCluster, dir)

	return newMemDevice(vb.raw), vb
}
