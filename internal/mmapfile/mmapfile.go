// Package mmapfile memory-maps the backing file for a Map: creating it at
// the right size if it doesn't exist, growing it to fit a new file layout,
// and exposing the mapped bytes plus Sync/Close.
//
// Grounded on the teacher's transitive dependency on golang.org/x/sys
// (otherwise used only for cpu.CacheLinePad); this is the pack's only
// plausible home for golang.org/x/sys/unix's Mmap/Msync/Munmap, which no
// example repo calls directly but which is the idiomatic Go way to do what
// every other language binding calls mmap(2).
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a memory-mapped file opened for shared read/write access across
// processes.
type File struct {
	f     *os.File
	bytes []byte
}

// Open opens (creating if necessary) the file at path and maps exactly
// size bytes of it. If the existing file is smaller than size, it is
// grown with Truncate before mapping. If it is already larger, the extra
// tail is left untouched and unmapped (callers size the file layout
// themselves and never need to shrink it).
func Open(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmapfile: truncate %s to %d: %w", path, size, err)
		}
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: mmap %s: %w", path, err)
	}

	return &File{f: f, bytes: b}, nil
}

// Bytes returns the mapped region. Callers hold it for the lifetime of the
// File; it must not be retained past Close.
func (mf *File) Bytes() []byte { return mf.bytes }

// Sync flushes mapped pages to the backing file.
func (mf *File) Sync() error {
	if err := unix.Msync(mf.bytes, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapfile: msync: %w", err)
	}
	return nil
}

// Close unmaps the region and closes the underlying file descriptor.
func (mf *File) Close() error {
	var errs []error
	if mf.bytes != nil {
		if err := unix.Munmap(mf.bytes); err != nil {
			errs = append(errs, fmt.Errorf("mmapfile: munmap: %w", err))
		}
		mf.bytes = nil
	}
	if err := mf.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("mmapfile: close: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
