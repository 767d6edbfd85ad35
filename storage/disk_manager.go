//go:build linux

package storage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DiskManager stores pages in a single file at offset pageID * pageSize.
// Reads and writes use positional I/O so concurrent calls on different pages
// do not serialise on a file offset.
type DiskManager struct {
	file     *os.File
	fd       int
	pageSize int64
	syncEach bool

	mutex  sync.RWMutex // guards close against in-flight I/O
	closed bool
}

// NewDiskManager opens (or creates) a page file. When syncEachWrite is set
// every WritePage is followed by fdatasync; otherwise callers use Sync.
func NewDiskManager(fileName string, pageSize int, syncEachWrite bool) (*DiskManager, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	return &DiskManager{
		file:     file,
		fd:       int(file.Fd()),
		pageSize: int64(pageSize),
		syncEach: syncEachWrite,
	}, nil
}

// ReadPage reads a page from disk. Pages beyond the end of the file read as zeros.
func (dm *DiskManager) ReadPage(pageID PageID, buf []byte) error {
	if int64(len(buf)) != dm.pageSize {
		return fmt.Errorf("buffer must be exactly %d bytes, got %d", dm.pageSize, len(buf))
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	if dm.closed {
		return fmt.Errorf("disk manager closed")
	}

	offset := int64(pageID) * dm.pageSize
	read := 0
	for read < len(buf) {
		n, err := unix.Pread(dm.fd, buf[read:], offset+int64(read))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read page %d: %w", pageID, err)
		}
		if n == 0 {
			clear(buf[read:])
			break
		}
		read += n
	}
	return nil
}

// WritePage writes a page to disk at the specified page ID
func (dm *DiskManager) WritePage(pageID PageID, data []byte) error {
	if int64(len(data)) != dm.pageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", dm.pageSize, len(data))
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	if dm.closed {
		return fmt.Errorf("disk manager closed")
	}

	offset := int64(pageID) * dm.pageSize
	written := 0
	for written < len(data) {
		n, err := unix.Pwrite(dm.fd, data[written:], offset+int64(written))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to write page %d: %w", pageID, err)
		}
		written += n
	}

	if dm.syncEach {
		return dm.syncLocked()
	}
	return nil
}

// Sync flushes written pages to stable storage
func (dm *DiskManager) Sync() error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	if dm.closed {
		return fmt.Errorf("disk manager closed")
	}
	return dm.syncLocked()
}

func (dm *DiskManager) syncLocked() error {
	if err := unix.Fdatasync(dm.fd); err != nil {
		return fmt.Errorf("fdatasync: %w", err)
	}
	return nil
}

// NumPages returns the number of whole pages in the file
func (dm *DiskManager) NumPages() (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(dm.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return uint64(st.Size / dm.pageSize), nil
}

// Close closes the disk manager and its underlying file
func (dm *DiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	if dm.closed {
		return nil
	}
	dm.closed = true
	return dm.file.Close()
}
