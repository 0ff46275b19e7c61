// This file implements the cluster-chain validator of spec.md component C9
// (section 4.4's fault table). It has no direct teacher analog — the
// teacher's EnumerateClusters only ever walked a chain to read or write file
// content, trusting it implicitly — so this is built straight from the
// fault table. Every fault in the table is reported as an FsckError value in
// ChainOutput rather than as a panic; go-logging's panic/recover idiom is
// used only for FAT lookup failures.

package exfat

import "github.com/dsoprea/go-logging"

// ChainInput describes the inode state the validator needs: the stream
// entry's recorded size/valid-size/first-cluster plus the contiguous
// ("NoFatChain") flag.
type ChainInput struct {
	Size         uint64
	ValidSize    uint64
	FirstCluster uint32
	Contiguous   bool
	IsDirectory  bool
}

// ChainOutput is the validator's verdict: the (possibly repaired) inode
// state, the clusters accepted into alloc_bitmap, and every fault
// encountered along the way.
type ChainOutput struct {
	Size         uint64
	ValidSize    uint64
	FirstCluster uint32
	Contiguous   bool

	AcceptedClusters []uint32

	// TerminateAfter, if non-zero, is the cluster whose FAT entry must be
	// rewritten to EOF because the chain was truncated after it.
	TerminateAfter uint32
	Truncated      bool

	Faults []*FsckError
}

// ValidateChain walks a file's cluster chain, cross-checking it against the
// allocation bitmap and disk bitmap, and proposes (or under a permissive
// policy, directly decides) truncation per spec.md section 4.4.
func ValidateChain(vg VolumeGeometry, fat Fat, allocBitmap, diskBitmap *ClusterBitmap, policy *RepairPolicy, in ChainInput) (out ChainOutput, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	out = ChainOutput{
		Size:         in.Size,
		ValidSize:    in.ValidSize,
		FirstCluster: in.FirstCluster,
		Contiguous:   in.Contiguous,
	}

	if in.Size == 0 && in.FirstCluster == ClusterFree {
		if in.Contiguous == true {
			fault := newFault(FaultFormatRecoverable, FaultCodeFileZeroNoFat, "",
				"zero-size inode has the no-fat-chain flag set")

			if policy.Decide(FaultCodeFileZeroNoFat, fault.Error()) == true {
				out.Contiguous = false
			} else {
				out.Faults = append(out.Faults, fault)
			}
		}

		if in.ValidSize > in.Size {
			out = applyValidSizeFault(out, policy)
		}

		return out, nil
	}

	firstInvalid := in.Size == 0 && in.FirstCluster != ClusterFree
	firstOutOfHeap := in.Size > 0 && vg.IsHeapCluster(in.FirstCluster) != true

	if firstInvalid == true || firstOutOfHeap == true {
		fault := newFault(FaultFormatRecoverable, FaultCodeFileFirstClus, "",
			"first cluster (%d) invalid for size (%d)", in.FirstCluster, in.Size)

		if policy.Decide(FaultCodeFileFirstClus, fault.Error()) == true {
			out.Size = 0
			out.ValidSize = 0
			out.FirstCluster = ClusterFree
			out.Truncated = true

			return out, nil
		}

		out.Faults = append(out.Faults, fault)

		return out, nil
	}

	maxCount := vg.ClustersForSize(in.Size)

	accepted := make([]uint32, 0, maxCount)
	cluster := in.FirstCluster
	var lastGood uint32

	for {
		if allocBitmap.Get(cluster) == true {
			fault := newFault(FaultFormatRecoverable, FaultCodeFileDuplicated, "",
				"cluster (%d) already claimed by another chain", cluster)

			if policy.Decide(FaultCodeFileDuplicated, fault.Error()) == true {
				out = truncateChainAt(out, vg, accepted, lastGood)
				return out, nil
			}

			out.Faults = append(out.Faults, fault)
			break
		}

		if diskBitmap.Get(cluster) != true {
			fault := newFault(FaultFormatRecoverable, FaultCodeFileInvalidClus, "",
				"cluster (%d) marked free in disk bitmap", cluster)

			if policy.Decide(FaultCodeFileInvalidClus, fault.Error()) == true {
				out = truncateChainAt(out, vg, accepted, lastGood)
				return out, nil
			}

			out.Faults = append(out.Faults, fault)
			break
		}

		allocBitmap.Set(cluster, true)
		accepted = append(accepted, cluster)
		lastGood = cluster

		// A contiguous ("NoFatChain") inode has no chain terminator of its
		// own past its declared size: cluster+1 never ends on its own, so
		// the walk stops exactly at max_count rather than reading past it
		// looking for a fault that can't be distinguished from "someone
		// else's contiguous file sits right after this one" (spec.md
		// section 4.4's "and not contiguous-past-end" caveat on
		// FILE_SMALLER_SIZE).
		if out.Contiguous == true && uint32(len(accepted)) >= maxCount {
			break
		}

		next, ok, nextErr := NextCluster(fat, cluster, out.Contiguous)
		log.PanicIf(nextErr)

		if ok != true {
			break
		}

		if vg.IsHeapCluster(next) != true {
			fault := newFault(FaultFormatRecoverable, FaultCodeFileInvalidClus, "",
				"FAT entry for cluster (%d) points outside the heap: (%d)", cluster, next)

			if policy.Decide(FaultCodeFileInvalidClus, fault.Error()) == true {
				out = truncateChainAt(out, vg, accepted, lastGood)
				return out, nil
			}

			out.Faults = append(out.Faults, fault)
			break
		}

		cluster = next
	}

	out.AcceptedClusters = accepted

	if uint32(len(accepted)) > maxCount {
		fault := newFault(FaultFormatRecoverable, FaultCodeFileSmallerSize, "",
			"chain length (%d) exceeds size-implied count (%d)", len(accepted), maxCount)

		if policy.Decide(FaultCodeFileSmallerSize, fault.Error()) == true {
			excess := accepted[maxCount:]
			for _, c := range excess {
				allocBitmap.Set(c, false)
			}

			out.AcceptedClusters = accepted[:maxCount]
			out.TerminateAfter = accepted[maxCount-1]
			out.Truncated = true
			out.Size = uint64(maxCount) * uint64(vg.ClusterSize)
		} else {
			out.Faults = append(out.Faults, fault)
		}
	} else if uint32(len(accepted)) < maxCount {
		fault := newFault(FaultFormatRecoverable, FaultCodeFileLargerSize, "",
			"chain length (%d) short of size-implied count (%d)", len(accepted), maxCount)

		if policy.Decide(FaultCodeFileLargerSize, fault.Error()) == true {
			out.Size = uint64(len(accepted)) * uint64(vg.ClusterSize)
		} else {
			out.Faults = append(out.Faults, fault)
		}
	}

	if out.ValidSize > out.Size {
		out = applyValidSizeFault(out, policy)
	}

	return out, nil
}

func applyValidSizeFault(out ChainOutput, policy *RepairPolicy) ChainOutput {
	fault := newFault(FaultFormatRecoverable, FaultCodeFileValidSize, "",
		"valid data length (%d) exceeds size (%d)", out.ValidSize, out.Size)

	if policy.Decide(FaultCodeFileValidSize, fault.Error()) == true {
		out.ValidSize = out.Size
	} else {
		out.Faults = append(out.Faults, fault)
	}

	return out
}

// truncateChainAt finalizes a chain that was cut short at a fault: accepted
// clusters up to (but not including) the faulting one are kept, the size is
// shrunk to match, and if no cluster survives, the inode becomes
// zero-length/FREE.
func truncateChainAt(out ChainOutput, vg VolumeGeometry, accepted []uint32, lastGood uint32) ChainOutput {
	out.AcceptedClusters = accepted
	out.Truncated = true

	if len(accepted) == 0 {
		out.Size = 0
		out.ValidSize = 0
		out.FirstCluster = ClusterFree

		return out
	}

	out.Size = uint64(len(accepted)) * uint64(vg.ClusterSize)
	if out.ValidSize > out.Size {
		out.ValidSize = out.Size
	}

	out.TerminateAfter = lastGood

	return out
}
