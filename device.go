// This file describes the block-device shim that the core consumes. Opening
// the device, choosing read-only vs read-write, and probing the underlying
// media's sector size are all the launcher's job (spec.md section 1); this
// file only fixes the narrow interface the core depends on and a default
// os.File-backed implementation of it.

package exfat

import (
	"io"
	"os"

	"github.com/dsoprea/go-logging"
)

// BlockDevice is the positioned-I/O surface the core needs: reads and writes
// at an absolute byte offset, plus fsync and a size probe. Both OSBlockDevice
// (over *os.File) and the in-memory device used by this package's tests
// satisfy it.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt

	// Fsync flushes any buffered writes to stable storage.
	Fsync() error

	// Size returns the device's total size in bytes.
	Size() (int64, error)
}

// OSBlockDevice adapts *os.File to BlockDevice.
type OSBlockDevice struct {
	f *os.File
}

// NewOSBlockDevice wraps an already-open file.
func NewOSBlockDevice(f *os.File) *OSBlockDevice {
	return &OSBlockDevice{
		f: f,
	}
}

// ReadAt satisfies io.ReaderAt.
func (obd *OSBlockDevice) ReadAt(p []byte, off int64) (n int, err error) {
	return obd.f.ReadAt(p, off)
}

// WriteAt satisfies io.WriterAt.
func (obd *OSBlockDevice) WriteAt(p []byte, off int64) (n int, err error) {
	return obd.f.WriteAt(p, off)
}

// Fsync flushes the file to stable storage.
func (obd *OSBlockDevice) Fsync() (err error) {
	return obd.f.Sync()
}

// Size returns the file's current size.
func (obd *OSBlockDevice) Size() (size int64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fi, err := obd.f.Stat()
	log.PanicIf(err)

	return fi.Size(), nil
}

// readFullAt reads exactly len(p) bytes at the given offset, treating short
// reads as a fatal IO fault (spec.md section 6: "Short I/O is a fatal IO
// error").
func readFullAt(bd BlockDevice, p []byte, off int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	n, err := bd.ReadAt(p, off)
	if err != nil && err != io.EOF {
		log.Panic(err)
	}

	if n != len(p) {
		log.Panicf("short read at offset (%d): got (%d) wanted (%d)", off, n, len(p))
	}

	return nil
}

// writeFullAt writes exactly len(p) bytes at the given offset.
func writeFullAt(bd BlockDevice, p []byte, off int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	n, err := bd.WriteAt(p, off)
	log.PanicIf(err)

	if n != len(p) {
		log.Panicf("short write at offset (%d): wrote (%d) wanted (%d)", off, n, len(p))
	}

	return nil
}
