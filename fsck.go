// This file is the top-level orchestrator, replacing the C source's
// process-global run-state (spec.md section 9: "global counters... thread
// through an explicit context object") with FsckContext/FsckStat and a single
// Run entry point that wires every other component together: the
// boot-region validator (C5), the allocation-bitmap and upcase-table lookups
// (C8/C12), the BFS walk (C7/C9/C10), and the reconciliation writer (C11).

package exfat

import (
	"github.com/dsoprea/go-logging"
)

// ExitCode mirrors the traditional fsck(8) exit-status bitmask of spec.md
// section 6.
type ExitCode int

const (
	ExitNoErrors       ExitCode = 0
	ExitErrorsCorrected ExitCode = 1
	ExitRebootNeeded   ExitCode = 2
	ExitErrorsLeft     ExitCode = 4
	ExitOperationalError ExitCode = 8
	ExitSyntaxError    ExitCode = 16
	ExitUserCancel     ExitCode = 32
	ExitLibraryError   ExitCode = 128
)

// FsckStat accumulates the outcome of a run: counts and every fault left
// uncorrected. Faults whose repair was applied are not recorded here; they
// are counted by RepairPolicy.FixedCount.
type FsckStat struct {
	FileCount int
	DirCount  int
	Faults    []*FsckError
}

// UncorrectedCount returns how many collected faults were never approved for
// repair (policy declined, or the mode never asks).
func (stat *FsckStat) UncorrectedCount(policy *RepairPolicy) int {
	// Every fault recorded in Faults reached ctx.Stat.Faults either because
	// policy.Decide returned false for it (the true branches are applied in
	// place and never appended) or because it has no repair at all (an
	// aborted directory walk); so the count is just the slice length. Kept
	// as a named accessor because exit-code derivation reads better calling
	// stat.UncorrectedCount(policy) than len(stat.Faults).
	_ = policy
	return len(stat.Faults)
}

// FsckContext threads every piece of run-wide state the walk and its helpers
// need, in place of the C source's globals.
type FsckContext struct {
	BD     BlockDevice
	VG     VolumeGeometry
	Fat    Fat
	Policy *RepairPolicy

	AllocBitmap *ClusterBitmap
	DiskBitmap  *ClusterBitmap

	Upcase []uint16

	VolumeLabel string

	Stat FsckStat

	// DirtyFat mirrors Policy.DirtyFat for callers that only hold the
	// context; Reconcile needs to run whenever either is set.
	DirtyFat bool

	// Cancel lets an embedder abort the walk between directories.
	Cancel bool
}

// Run performs a full check (and, depending on policy, repair) of the volume
// backed by bd, returning the exit code the caller should surface.
func Run(bd BlockDevice, policy *RepairPolicy) (ctx *FsckContext, code ExitCode, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
			code = ExitLibraryError
		}
	}()

	deviceSize, err := bd.Size()
	log.PanicIf(err)

	mainRegion, mainErr := LoadMainBootRegion(bd)

	var region *BootRegion

	if mainErr != nil {
		backup, backupErr := LoadBackupBootRegion(bd)
		log.PanicIf(backupErr)

		fault := newFault(FaultFormatInvalid, FaultCodeBootRegion, "",
			"primary boot region unreadable: %s", mainErr.Error())

		if policy.Decide(FaultCodeBootRegion, fault.Error()) != true {
			return nil, ExitErrorsLeft, nil
		}

		restoreErr := RestoreFromBackup(bd, backup)
		log.PanicIf(restoreErr)

		region, err = LoadMainBootRegion(bd)
		log.PanicIf(err)
	} else {
		region = mainRegion
	}

	validateErr := region.ValidateFields(deviceSize)
	if validateErr != nil {
		return nil, ExitOperationalError, validateErr
	}

	vg := region.Header.Geometry()

	fat, err := LoadFat(bd, vg)
	log.PanicIf(err)

	ctx = &FsckContext{
		BD:     bd,
		VG:     vg,
		Fat:    fat,
		Policy: policy,
	}

	if policy.IsWritable() == true {
		flags := region.Header.VolumeFlags.WithDirty(true)
		dirtyErr := writeVolumeFlags(bd, flags)
		log.PanicIf(dirtyErr)
	}

	ctx.AllocBitmap = NewClusterBitmap(vg.ClusterCount)

	root := &Inode{
		Name:         `\`,
		FirstCluster: region.Header.FirstClusterOfRootDirectory,
		Contiguous:   false,
	}

	rootDi, err := NewDentryIterator(bd, vg, fat, root.FirstCluster, false)
	log.PanicIf(err)

	bitmapResult, bitmapFound, err := LookupByType(rootDi, "AllocationBitmap")
	log.PanicIf(err)

	if bitmapFound != true {
		return nil, ExitOperationalError, newFault(FaultFormatInvalid, FaultCodeBootRegion, "",
			"root directory has no allocation-bitmap entry")
	}

	abde := bitmapResult.Primary.(*ExfatAllocationBitmapDirectoryEntry)

	diskBitmapOffset, err := vg.ClusterOffset(abde.FirstCluster)
	log.PanicIf(err)

	// The allocation bitmap's own storage can span more than one cluster
	// (spec.md section 3 carries a bitmap byte size, not just a first
	// cluster), so every cluster of its chain — not only the first — has to
	// be read and marked referenced, the same way LoadUpcaseTable walks the
	// upcase table's chain.
	diskBitmapBytes, err := ReadChainedClusters(bd, vg, abde.FirstCluster, abde.DataLength, ctx.AllocBitmap)
	log.PanicIf(err)

	ctx.DiskBitmap = NewClusterBitmapFromBytes(diskBitmapBytes, vg.ClusterCount)

	upcaseResult, upcaseFound, err := LookupByType(rootDi, "UpcaseTable")
	log.PanicIf(err)

	if upcaseFound == true {
		ucde := upcaseResult.Primary.(*ExfatUpcaseTableDirectoryEntry)

		table, upcaseErr := LoadUpcaseTable(bd, vg, ucde, ctx.AllocBitmap)
		log.PanicIf(upcaseErr)

		ctx.Upcase = table
	}

	flushErr := rootDi.Flush()
	log.PanicIf(flushErr)

	walkErr := Walk(ctx, root)
	log.PanicIf(walkErr)

	ctx.DirtyFat = policy.DirtyFat

	if ctx.DirtyFat == true {
		reconcileErr := Reconcile(bd, vg, fat, ctx.AllocBitmap, diskBitmapOffset)
		log.PanicIf(reconcileErr)
	}

	if policy.IsWritable() == true {
		clearErr := ClearVolumeDirty(bd, vg.SectorSize, region.Header.VolumeFlags)
		log.PanicIf(clearErr)
	}

	code = deriveExitCode(ctx, policy)

	return ctx, code, nil
}

func writeVolumeFlags(bd BlockDevice, flags VolumeFlags) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, 2)
	defaultEncoding.PutUint16(buf, uint16(flags))

	const volumeFlagsOffset = 106

	writeErr := writeFullAt(bd, buf, volumeFlagsOffset)
	log.PanicIf(writeErr)

	return nil
}

// deriveExitCode collapses the run's outcome to spec.md section 6's exit
// taxonomy: uncorrected faults mean errors left; any applied fix (even if
// every fault was eventually corrected) means errors corrected.
func deriveExitCode(ctx *FsckContext, policy *RepairPolicy) ExitCode {
	if len(ctx.Stat.Faults) > 0 {
		return ExitErrorsLeft
	}

	if policy.FixedCount() > 0 {
		return ExitErrorsCorrected
	}

	return ExitNoErrors
}
