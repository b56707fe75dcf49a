package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. The ring buffer size must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer models a ring buffer of size ringBufferSize. Once full, new
// writes overwrite the oldest buffered bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of buffered bytes that have not been read yet.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	for n < len(p) && rb.rIndex != rb.wIndex {
		// copy the contiguous run up to either the write index or
		// the end of the backing array
		end := rb.wIndex
		if rb.rIndex > rb.wIndex {
			end = ringBufferSize
		}

		copied := copy(p[n:], rb.buffer[rb.rIndex:end])
		n += copied
		rb.rIndex = (rb.rIndex + copied) & (ringBufferSize - 1)
	}

	return n, nil
}
