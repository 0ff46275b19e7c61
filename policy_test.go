package exfat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepairPolicyModeNo(t *testing.T) {
	rp := NewRepairPolicy(ModeNo, nil)

	require.False(t, rp.IsWritable())

	require.False(t, rp.Decide(FaultCodeDeChecksum, "x"))
	require.Equal(t, 0, rp.FixedCount())
	require.False(t, rp.Dirty)
}

func TestRepairPolicyModeYes(t *testing.T) {
	rp := NewRepairPolicy(ModeYes, nil)

	require.True(t, rp.IsWritable())
	require.True(t, rp.Decide(FaultCodeFileDuplicated, "x"))
	require.Equal(t, 1, rp.FixedCount())
	require.True(t, rp.Dirty)
	require.True(t, rp.DirtyFat)
}

func TestRepairPolicyModeAutoConservativeSubset(t *testing.T) {
	rp := NewRepairPolicy(ModeAuto, nil)

	require.True(t, rp.Decide(FaultCodeBootRegion, "x"))
	require.True(t, rp.Decide(FaultCodeFileSmallerSize, "x"))
	require.True(t, rp.Decide(FaultCodeFileLargerSize, "x"))
	require.True(t, rp.Decide(FaultCodeFileValidSize, "x"))
	require.True(t, rp.Decide(FaultCodeFileZeroNoFat, "x"))
	require.True(t, rp.Decide(FaultCodeDeChecksum, "x"))
	require.True(t, rp.Decide(FaultCodeDeNameHash, "x"))
	require.True(t, rp.Decide(FaultCodeDirSize, "x"))

	require.False(t, rp.Decide(FaultCodeFileFirstClus, "x"))
	require.False(t, rp.Decide(FaultCodeFileDuplicated, "x"))
	require.False(t, rp.Decide(FaultCodeFileInvalidClus, "x"))
}

func TestRepairPolicyModeAskConsultsPrompt(t *testing.T) {
	calls := 0
	rp := NewRepairPolicy(ModeAsk, func(code FaultCode, message string) bool {
		calls++
		return code == FaultCodeDeChecksum
	})

	require.True(t, rp.Decide(FaultCodeDeChecksum, "x"))
	require.False(t, rp.Decide(FaultCodeFileInvalidClus, "x"))
	require.Equal(t, 2, calls)
}

func TestRepairPolicyModeAskWithNilPromptDeclines(t *testing.T) {
	rp := NewRepairPolicy(ModeAsk, nil)

	require.False(t, rp.Decide(FaultCodeDeChecksum, "x"))
}

func TestRepairPolicyTruncatingFaultsSetDirtyFat(t *testing.T) {
	rp := NewRepairPolicy(ModeYes, nil)

	rp.Decide(FaultCodeDeChecksum, "x")
	require.False(t, rp.DirtyFat)

	rp.Decide(FaultCodeFileSmallerSize, "x")
	require.True(t, rp.DirtyFat)
}
