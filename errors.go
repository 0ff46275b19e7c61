package exfat

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// FaultKind is the error taxonomy of spec section 7: a classification of
// *why* something failed, independent of the Go error type that carries it.
type FaultKind int

const (
	// FaultIO is a short or failed device read/write. Always fatal.
	FaultIO FaultKind = iota

	// FaultFormatInvalid is an out-of-spec field with no defined repair.
	FaultFormatInvalid

	// FaultFormatRecoverable is an out-of-spec field with a repair defined;
	// the repair policy is consulted.
	FaultFormatRecoverable

	// FaultNomem is an allocation failure. Always fatal.
	FaultNomem

	// FaultCorruptionFound is bookkeeping: a fault was detected but not (yet)
	// corrected.
	FaultCorruptionFound

	// FaultCorruptionFixed is bookkeeping: a fault was detected and
	// corrected.
	FaultCorruptionFixed

	// FaultUserCancel is returned when the policy declined to correct an
	// uncorrectable fault.
	FaultUserCancel
)

// String returns a descriptive label for the fault kind.
func (fk FaultKind) String() string {
	switch fk {
	case FaultIO:
		return "IO"
	case FaultFormatInvalid:
		return "FormatInvalid"
	case FaultFormatRecoverable:
		return "FormatRecoverable"
	case FaultNomem:
		return "Nomem"
	case FaultCorruptionFound:
		return "CorruptionFound"
	case FaultCorruptionFixed:
		return "CorruptionFixed"
	case FaultUserCancel:
		return "UserCancel"
	default:
		return "Unknown"
	}
}

// FaultCode names a specific fault, matching the codes enumerated in
// spec.md sections 4.1, 4.4, and the name-hash/dir-size additions in
// SPEC_FULL.md.
type FaultCode string

const (
	FaultCodeBootRegion       FaultCode = "BS_BOOT_REGION"
	FaultCodeFileFirstClus    FaultCode = "FILE_FIRST_CLUS"
	FaultCodeFileSmallerSize  FaultCode = "FILE_SMALLER_SIZE"
	FaultCodeFileDuplicated   FaultCode = "FILE_DUPLICATED_CLUS"
	FaultCodeFileInvalidClus  FaultCode = "FILE_INVALID_CLUS"
	FaultCodeFileLargerSize   FaultCode = "FILE_LARGER_SIZE"
	FaultCodeFileZeroNoFat    FaultCode = "FILE_ZERO_NOFAT"
	FaultCodeFileValidSize    FaultCode = "FILE_VALID_SIZE"
	FaultCodeDeChecksum       FaultCode = "DE_CHECKSUM"
	FaultCodeDeNameHash       FaultCode = "DE_NAME_HASH"
	FaultCodeDirSize          FaultCode = "DIR_SIZE"
	FaultCodeDirWalkAborted   FaultCode = "DIR_WALK_ABORTED"
)

// FsckError is the concrete error type attached to every fault the core
// detects, whether or not it was corrected.
type FsckError struct {
	Kind    FaultKind
	Code    FaultCode
	Message string
	Path    string
}

// Error implements the error interface.
func (fe *FsckError) Error() string {
	if fe.Path != "" {
		return fmt.Sprintf("%s[%s] %s (%s)", fe.Kind, fe.Code, fe.Message, fe.Path)
	}

	return fmt.Sprintf("%s[%s] %s", fe.Kind, fe.Code, fe.Message)
}

// newFault constructs an FsckError.
func newFault(kind FaultKind, code FaultCode, path string, format string, args ...interface{}) *FsckError {
	return &FsckError{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	}
}

// faultCollector accumulates faults across a single pass (the boot-region
// field validation of ValidateFields) and renders them as one error via
// go-multierror, per SPEC_FULL.md's "Error taxonomy" section.
type faultCollector struct {
	err *multierror.Error
}

func (fc *faultCollector) add(fault *FsckError) {
	fc.err = multierror.Append(fc.err, fault)
}

func (fc *faultCollector) addErr(err error) {
	if err == nil {
		return
	}

	fc.err = multierror.Append(fc.err, err)
}

// faults returns the individual FsckErrors collected, if any.
func (fc *faultCollector) faults() []*FsckError {
	if fc.err == nil {
		return nil
	}

	faults := make([]*FsckError, 0, len(fc.err.Errors))
	for _, err := range fc.err.Errors {
		if fe, ok := err.(*FsckError); ok == true {
			faults = append(faults, fe)
		}
	}

	return faults
}

// errorOrNil collapses the collector to nil or a combined error.
func (fc *faultCollector) errorOrNil() error {
	if fc.err == nil {
		return nil
	}

	return fc.err.ErrorOrNil()
}
