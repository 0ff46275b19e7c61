// This file implements the repair-decision state machine of spec.md
// component C10. It has no direct teacher analog — the teacher's tools were
// read-only — so it is grounded on spec.md section 4.8 directly, expressed
// as a small state machine. It returns plain values and recovers nothing;
// the only panic is Decide's on an unknown RepairMode.

package exfat

import "fmt"

// RepairMode selects how RepairPolicy.Decide answers for a given fault.
type RepairMode int

const (
	// ModeNo reports faults but never authorizes a repair.
	ModeNo RepairMode = iota

	// ModeYes authorizes every repair.
	ModeYes

	// ModeAsk prompts the user for each fault via PromptFunc.
	ModeAsk

	// ModeAuto authorizes a conservative, deterministic subset of repairs
	// and declines the rest.
	ModeAuto
)

// String returns a descriptive label.
func (rm RepairMode) String() string {
	switch rm {
	case ModeNo:
		return "No"
	case ModeYes:
		return "Yes"
	case ModeAsk:
		return "Ask"
	case ModeAuto:
		return "Auto"
	default:
		return "Unknown"
	}
}

// PromptFunc asks the user whether to apply the repair described by code
// and message, returning true to proceed.
type PromptFunc func(code FaultCode, message string) bool

// autoApprovedCodes is the conservative subset ModeAuto authorizes: faults
// whose repair narrows or aligns a size, clears a flag, or rewrites metadata
// in place (boot region from its backup, entry-set checksum, name hash),
// never discarding a cluster another inode might still reference.
// FILE_FIRST_CLUS drops a file's whole chain, so it is declined too.
// FILE_DUPLICATED_CLUS and
// FILE_INVALID_CLUS truncate at a point chosen by which inode is walked
// first, so ModeAuto declines them and leaves the fault for a human to
// confirm.
var autoApprovedCodes = map[FaultCode]bool{
	FaultCodeBootRegion:      true,
	FaultCodeFileSmallerSize: true,
	FaultCodeFileLargerSize:  true,
	FaultCodeFileZeroNoFat:   true,
	FaultCodeFileValidSize:   true,
	FaultCodeDeChecksum:      true,
	FaultCodeDeNameHash:      true,
	FaultCodeDirSize:         true,

	FaultCodeFileFirstClus:   false,
	FaultCodeFileDuplicated:  false,
	FaultCodeFileInvalidClus: false,
}

// RepairPolicy tracks the selected mode plus the volume-level dirty flags
// spec.md section 4.8 assigns to it.
type RepairPolicy struct {
	Mode   RepairMode
	Prompt PromptFunc

	Dirty    bool
	DirtyFat bool

	fixedCount int
}

// NewRepairPolicy constructs a policy. prompt may be nil unless mode is
// ModeAsk.
func NewRepairPolicy(mode RepairMode, prompt PromptFunc) *RepairPolicy {
	return &RepairPolicy{
		Mode:   mode,
		Prompt: prompt,
	}
}

// IsWritable reports whether this mode may ever authorize a write (spec.md
// section 4.8: writable modes imply opening the device read-write and
// setting VolumeDirty before any repair).
func (rp *RepairPolicy) IsWritable() bool {
	return rp.Mode != ModeNo
}

// Decide returns whether the fault identified by code, described by
// message, should be repaired. Every "yes" answer marks the policy dirty
// (and, for truncating faults, dirty_fat); FixedCount is incremented too.
func (rp *RepairPolicy) Decide(code FaultCode, message string) bool {
	var approve bool

	switch rp.Mode {
	case ModeNo:
		approve = false
	case ModeYes:
		approve = true
	case ModeAuto:
		approve = autoApprovedCodes[code]
	case ModeAsk:
		if rp.Prompt == nil {
			approve = false
		} else {
			approve = rp.Prompt(code, message)
		}
	default:
		panic(fmt.Sprintf("unknown repair mode: %v", rp.Mode))
	}

	if approve == true {
		rp.Dirty = true
		rp.fixedCount++

		if isTruncatingFault(code) == true {
			rp.DirtyFat = true
		}
	}

	return approve
}

// FixedCount returns the number of faults this policy has authorized a
// repair for.
func (rp *RepairPolicy) FixedCount() int {
	return rp.fixedCount
}

func isTruncatingFault(code FaultCode) bool {
	switch code {
	case FaultCodeFileFirstClus, FaultCodeFileSmallerSize, FaultCodeFileDuplicated, FaultCodeFileInvalidClus:
		return true
	default:
		return false
	}
}
