// Package bitmap implements the fixed-size occupancy bitmaps used to track
// free/used physical frames and swap slots.
package bitmap

import "math/bits"

// Bitmap tracks the used/free state of a fixed number of slots using one bit
// per slot. A set bit marks a used slot. Bitmap is not safe for concurrent
// use; owners must serialize access.
type Bitmap struct {
	// words stores the bits; slot i lives in words[i/64] at bit 63-(i%64)
	// so that a left-to-right scan of a word visits slots in order.
	words []uint64

	// size is the number of addressable slots.
	size uint32

	// usedCount tracks the number of set bits so that fully allocated
	// bitmaps can be rejected without scanning.
	usedCount uint32
}

// New returns a bitmap with size slots, all of them free.
func New(size uint32) *Bitmap {
	// Round up the required bits so they are a multiple of 64 bits
	return &Bitmap{
		words: make([]uint64, (size+63)>>6),
		size:  size,
	}
}

// Len returns the number of slots tracked by the bitmap.
func (b *Bitmap) Len() uint32 { return b.size }

// Used returns the number of slots currently marked as used.
func (b *Bitmap) Used() uint32 { return b.usedCount }

// Free returns the number of slots currently marked as free.
func (b *Bitmap) Free() uint32 { return b.size - b.usedCount }

// Test returns true if the slot at index is marked as used. Out of range
// indices are reported as free.
func (b *Bitmap) Test(index uint32) bool {
	if index >= b.size {
		return false
	}
	word, mask := bitPosition(index)
	return b.words[word]&mask != 0
}

// Set marks the slot at index as used and reports whether its state changed.
func (b *Bitmap) Set(index uint32) bool {
	if index >= b.size || b.Test(index) {
		return false
	}
	word, mask := bitPosition(index)
	b.words[word] |= mask
	b.usedCount++
	return true
}

// Clear marks the slot at index as free and reports whether its state changed.
func (b *Bitmap) Clear(index uint32) bool {
	if !b.Test(index) {
		return false
	}
	word, mask := bitPosition(index)
	b.words[word] &^= mask
	b.usedCount--
	return true
}

// ScanAndSet locates the first free slot, marks it as used and returns its
// index. The second return value is false if every slot is in use.
func (b *Bitmap) ScanAndSet() (uint32, bool) {
	if b.usedCount == b.size {
		return 0, false
	}

	for wordIndex, word := range b.words {
		// Skip fully allocated blocks
		if word == ^uint64(0) {
			continue
		}

		index := uint32(wordIndex<<6) + uint32(bits.LeadingZeros64(^word))
		if index >= b.size {
			break
		}

		b.Set(index)
		return index, true
	}

	return 0, false
}

func bitPosition(index uint32) (word uint32, mask uint64) {
	return index >> 6, uint64(1) << (63 - (index & 63))
}
