// This file implements the upcase-table loader of spec.md component C12.
// No teacher analog exists (ExfatUpcaseTableDirectoryEntry was parsed but
// never decoded); grounded directly on spec.md section 4.6 and the
// checksum primitive already shared with bootregion.go.

package exfat

import "github.com/dsoprea/go-logging"

const (
	upcaseEntryCount  = 65536
	upcaseMaxByteSize = upcaseEntryCount * 2
	upcaseRunMarker   = 0xffff
)

// LoadUpcaseTable reads, checksums, and decompresses the upcase table
// pointed to by entry. The returned slice always has exactly 65536 entries.
func LoadUpcaseTable(bd BlockDevice, vg VolumeGeometry, entry *ExfatUpcaseTableDirectoryEntry, allocBitmap *ClusterBitmap) (table []uint16, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vg.IsHeapCluster(entry.FirstCluster) != true {
		log.Panicf("upcase table first cluster not in heap: (%d)", entry.FirstCluster)
	}

	if entry.DataLength == 0 || entry.DataLength > upcaseMaxByteSize || entry.DataLength%2 != 0 {
		log.Panicf("upcase table size invalid: (%d)", entry.DataLength)
	}

	raw, err := ReadChainedClusters(bd, vg, entry.FirstCluster, entry.DataLength, allocBitmap)
	log.PanicIf(err)

	checksum := computeBootChecksum([][]byte{raw})
	if checksum != entry.TableChecksum {
		log.Panicf("upcase table checksum mismatch: (0x%08x) != (0x%08x)", checksum, entry.TableChecksum)
	}

	table = decompressUpcaseTable(raw)

	return table, nil
}

// decompressUpcaseTable expands the run-length compressed form: a 0xFFFF
// word followed by a length means "identity for the next `length`
// positions"; any other word is a literal mapping for the current position.
// Positions beyond the compressed data are identity.
func decompressUpcaseTable(raw []byte) []uint16 {
	table := make([]uint16, upcaseEntryCount)
	for i := range table {
		table[i] = uint16(i)
	}

	pos := 0
	i := 0

	for i+1 < len(raw) && pos < upcaseEntryCount {
		word := defaultEncoding.Uint16(raw[i : i+2])
		i += 2

		if word == upcaseRunMarker {
			if i+1 >= len(raw) {
				break
			}

			runLen := int(defaultEncoding.Uint16(raw[i : i+2]))
			i += 2

			pos += runLen

			continue
		}

		table[pos] = word
		pos++
	}

	return table
}

// UpcaseFold maps each UTF-16 code unit of name through the upcase table,
// leaving values beyond the end of the table untouched.
func UpcaseFold(table []uint16, name []uint16) []uint16 {
	folded := make([]uint16, len(name))

	for i, r := range name {
		if int(r) < len(table) {
			folded[i] = table[r]
		} else {
			folded[i] = r
		}
	}

	return folded
}
