package milterutil

import (
	"bufio"
	"io"
	"sync"
)

// FixedBufferScanner is a wrapper around a [bufio.Scanner] that produces
// fixed size chunks of data from an [io.Reader]. Only the last chunk can be
// smaller than the configured buffer size.
type FixedBufferScanner struct {
	bufferSize uint32
	buffer     []byte
	scanner    *bufio.Scanner
	pool       *sync.Pool
}

func (f *FixedBufferScanner) init(pool *sync.Pool, r io.Reader) {
	var bufSize = int(f.bufferSize)
	f.pool = pool
	f.scanner = bufio.NewScanner(r)
	f.scanner.Buffer(f.buffer, bufSize)
	f.scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		// buffer full? Return it.
		if len(data) >= bufSize {
			return bufSize, data[0:bufSize], nil
		}
		// at EOF, return the rest even if it is less than bufSize
		if atEOF {
			return len(data), data, nil
		}
		// request more data
		return 0, nil, nil
	})
}

// Scan returns true when there is new data in Bytes.
func (f *FixedBufferScanner) Scan() bool {
	return f.scanner.Scan()
}

// Bytes returns the current chunk of data. It is only valid until the next
// Scan call.
func (f *FixedBufferScanner) Bytes() []byte {
	return f.scanner.Bytes()
}

// Err returns the first non-EOF error encountered by the FixedBufferScanner.
func (f *FixedBufferScanner) Err() error {
	return f.scanner.Err()
}

// Close needs to be called when you are done with the FixedBufferScanner
// because we maintain a shared pool of them.
//
// Close does not close the underlying [io.Reader].
func (f *FixedBufferScanner) Close() {
	f.pool.Put(f)
}

var fixedBufferPoolsMap map[uint32]*sync.Pool
var fixedBufferPoolsMapMutex sync.RWMutex
var fixedBufferPoolsMapInit sync.Once

func newFixedBufferScannerPool(bufferSize uint32) *sync.Pool {
	return &sync.Pool{New: func() interface{} {
		return &FixedBufferScanner{bufferSize: bufferSize, buffer: make([]byte, bufferSize)}
	}}
}

func initFixedBufferPoolsMap() {
	fixedBufferPoolsMapMutex.Lock()
	fixedBufferPoolsMap = make(map[uint32]*sync.Pool)
	// pre-initialize the buffer sizes the milter library might request
	fixedBufferPoolsMap[1024*64-1] = newFixedBufferScannerPool(1024*64 - 1)
	fixedBufferPoolsMap[1024*256-1] = newFixedBufferScannerPool(1024*256 - 1)
	fixedBufferPoolsMap[1024*1024-1] = newFixedBufferScannerPool(1024*1024 - 1)
	fixedBufferPoolsMapMutex.Unlock()
}

// GetFixedBufferScanner returns a FixedBufferScanner of size bufferSize that
// is configured to read from r.
//
// Call Close on the returned scanner to release it back to the shared pool.
// Closing r is the responsibility of the caller.
func GetFixedBufferScanner(bufferSize uint32, r io.Reader) *FixedBufferScanner {
	fixedBufferPoolsMapInit.Do(initFixedBufferPoolsMap)
	fixedBufferPoolsMapMutex.RLock()
	pool := fixedBufferPoolsMap[bufferSize]
	fixedBufferPoolsMapMutex.RUnlock()
	if pool == nil {
		fixedBufferPoolsMapMutex.Lock()
		// re-check after acquiring the write lock
		if pool = fixedBufferPoolsMap[bufferSize]; pool == nil {
			pool = newFixedBufferScannerPool(bufferSize)
			fixedBufferPoolsMap[bufferSize] = pool
		}
		fixedBufferPoolsMapMutex.Unlock()
	}
	buffer := pool.Get().(*FixedBufferScanner)
	buffer.init(pool, r)
	return buffer
}
