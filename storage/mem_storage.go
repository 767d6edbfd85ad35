package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Storage is the persistence collaborator of the buffer pool.
// ReadPage fills buf (exactly one page) with the page's bytes; pages that were
// never written read back as zeros. WritePage persists exactly one page.
// Durability policy (fsync, ordering against the log) belongs to the implementation.
type Storage interface {
	ReadPage(pageID PageID, buf []byte) error
	WritePage(pageID PageID, data []byte) error
}

// MemStorage keeps pages compressed in memory with an xxhash checksum.
// Useful as a RAM-backed tablespace and as the storage double in tests:
// read/write failures and latency can be injected per page.
type MemStorage struct {
	pageSize    int
	compression CompressionType

	mu          sync.RWMutex
	pages       map[PageID][]byte
	writeCounts map[PageID]int

	// fault injection; return non-nil to fail the call
	readFault  func(PageID) error
	writeFault func(PageID) error
	readDelay  atomic.Int64

	reads        atomic.Uint64
	writes       atomic.Uint64
	storedBytes  atomic.Int64
	logicalBytes atomic.Int64
}

// NewMemStorage creates an in-memory store for pages of pageSize bytes
func NewMemStorage(pageSize int, compression CompressionType) *MemStorage {
	return &MemStorage{
		pageSize:    pageSize,
		compression: compression,
		pages:       make(map[PageID][]byte),
		writeCounts: make(map[PageID]int),
	}
}

// ReadPage decodes the page into buf
func (m *MemStorage) ReadPage(pageID PageID, buf []byte) error {
	if len(buf) != m.pageSize {
		return fmt.Errorf("buffer must be exactly %d bytes, got %d", m.pageSize, len(buf))
	}
	if d := time.Duration(m.readDelay.Load()); d > 0 {
		time.Sleep(d)
	}

	m.mu.RLock()
	fault := m.readFault
	encoded, ok := m.pages[pageID]
	m.mu.RUnlock()

	if fault != nil {
		if err := fault(pageID); err != nil {
			return err
		}
	}
	m.reads.Add(1)

	if !ok {
		clear(buf)
		return nil
	}
	if err := decodePage(encoded, buf); err != nil {
		return fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	return nil
}

// WritePage encodes and stores a copy of data
func (m *MemStorage) WritePage(pageID PageID, data []byte) error {
	if len(data) != m.pageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", m.pageSize, len(data))
	}

	m.mu.RLock()
	fault := m.writeFault
	m.mu.RUnlock()
	if fault != nil {
		if err := fault(pageID); err != nil {
			return err
		}
	}

	encoded, err := encodePage(data, m.compression)
	if err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageID, err)
	}

	m.mu.Lock()
	old, existed := m.pages[pageID]
	m.pages[pageID] = encoded
	m.writeCounts[pageID]++
	m.mu.Unlock()

	m.writes.Add(1)
	m.storedBytes.Add(int64(len(encoded) - len(old)))
	if !existed {
		m.logicalBytes.Add(int64(m.pageSize))
	}
	return nil
}

// Corrupt flips a byte of the stored payload. Test helper for checksum paths.
func (m *MemStorage) Corrupt(pageID PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	encoded, ok := m.pages[pageID]
	if !ok || len(encoded) <= encodedHeaderSize {
		return false
	}
	encoded[len(encoded)-1] ^= 0xFF
	return true
}

// SetReadFault installs a hook consulted before every read
func (m *MemStorage) SetReadFault(fn func(PageID) error) {
	m.mu.Lock()
	m.readFault = fn
	m.mu.Unlock()
}

// SetWriteFault installs a hook consulted before every write
func (m *MemStorage) SetWriteFault(fn func(PageID) error) {
	m.mu.Lock()
	m.writeFault = fn
	m.mu.Unlock()
}

// SetReadDelay makes every read sleep for d
func (m *MemStorage) SetReadDelay(d time.Duration) {
	m.readDelay.Store(int64(d))
}

// WriteCount returns how many times pageID was written
func (m *MemStorage) WriteCount(pageID PageID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeCounts[pageID]
}

// Reads returns the total number of successful reads
func (m *MemStorage) Reads() uint64 {
	return m.reads.Load()
}

// Writes returns the total number of successful writes
func (m *MemStorage) Writes() uint64 {
	return m.writes.Load()
}

// CompressionRatio returns logical bytes / stored bytes
func (m *MemStorage) CompressionRatio() float64 {
	stored := m.storedBytes.Load()
	if stored == 0 {
		return 1.0
	}
	return float64(m.logicalBytes.Load()) / float64(stored)
}
