// This file implements the lookup filter of spec.md component C8: a
// streaming scan of a directory for the first entry of a given type name,
// used to locate the allocation-bitmap and upcase-table entries (C5/C12
// point at them) before the full directory walk begins. Grounded on the
// teacher's EnumerateDirectoryEntries loop shape, but expressed over
// DentryIterator with a single fixed match (entry type name) rather than an
// arbitrary callback; there is no free-slot search.

package exfat

import (
	"io"

	"github.com/dsoprea/go-logging"
)

// LookupResult is what a successful Lookup call returns: the primary entry,
// its device offset, and any secondary entries collected with it.
type LookupResult struct {
	Primary          DirectoryEntry
	PrimaryOffset    int64
	SecondaryEntries []DirectoryEntry
}

// LookupByType scans the directory under di for the first primary entry of
// the given type-name (as returned by DirectoryEntry.TypeName), collecting
// whatever secondary entries its SecondaryCount calls for. Returns false if
// the directory ends (LAST marker or chain exhaustion) without a match.
func LookupByType(di *DentryIterator, typeName string) (result LookupResult, found bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	i := 0

	for {
		raw, getErr := di.Get(i)
		if getErr == io.EOF {
			return result, false, nil
		}
		log.PanicIf(getErr)

		entryType := EntryType(raw[0])
		if entryType.IsEndOfDirectory() == true {
			return result, false, nil
		}

		if entryType.IsUnusedEntryMarker() == true {
			err = di.Advance(i + 1)
			log.PanicIf(err)

			i = 0
			continue
		}

		de, parseErr := parseDirectoryEntry(entryType, raw)
		log.PanicIf(parseErr)

		secondaryCount := 0
		if pde, ok := de.(PrimaryDirectoryEntry); ok == true {
			secondaryCount = int(pde.SecondaryCount())
		}

		if de.TypeName() == typeName {
			offset, offsetErr := di.OffsetOf(i)
			log.PanicIf(offsetErr)

			secondaries := make([]DirectoryEntry, 0, secondaryCount)

			for j := 1; j <= secondaryCount; j++ {
				secRaw, secErr := di.Get(i + j)
				log.PanicIf(secErr)

				secType := EntryType(secRaw[0])

				sde, secParseErr := parseDirectoryEntry(secType, secRaw)
				log.PanicIf(secParseErr)

				secondaries = append(secondaries, sde)
			}

			result = LookupResult{
				Primary:          de,
				PrimaryOffset:    offset,
				SecondaryEntries: secondaries,
			}

			advErr := di.Advance(i + 1 + secondaryCount)
			log.PanicIf(advErr)

			return result, true, nil
		}

		err = di.Advance(i + 1 + secondaryCount)
		log.PanicIf(err)

		i = 0
	}
}
