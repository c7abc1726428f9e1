package shmchan

import (
	"sync/atomic"
	"unsafe"
)

const (
	headerMagic   = "NCSHMCH\x00"
	headerVersion = uint32(1)

	// HeaderSize is the size of the bookkeeping block in front of the data
	// region.
	HeaderSize = 128

	// frameHeader is the length prefix written before every message.
	frameHeader = 4
)

// header is the shared bookkeeping block. It lives at the start of the
// mapping and is read by every attached process, so all mutable fields are
// accessed atomically.
type header struct {
	magic    [8]byte  // 0x00
	version  uint32   // 0x08
	flags    uint32   // 0x0C
	capacity uint64   // 0x10: data region size in bytes
	slotSize uint64   // 0x18: largest accepted message
	head     uint64   // 0x20: offset of the oldest frame
	tail     uint64   // 0x28: offset where the next frame is written
	num      uint64   // 0x30: queued messages
	bytes    uint64   // 0x38: queued bytes, length prefixes included
	lock     uint32   // 0x40: pid of the lock owner, 0 when free
	waiters  uint32   // 0x44: processes sleeping on lock
	closed   uint32   // 0x48
	creator  uint32   // 0x4C: pid of the creating process

	// Intent record for the operation in progress. A push or pop fills it
	// before touching the committed fields, so a process that takes the lock
	// over from a dead owner can finish the operation.
	pending  uint32  // 0x50: 1 while the record below is being applied
	_        uint32  // 0x54
	nextHead uint64  // 0x58
	nextTail uint64  // 0x60
	nextNum  uint64  // 0x68
	nextSize uint64  // 0x70: queued bytes after the operation
	reserved [8]byte // 0x78-0x7F
}

// header must be exactly HeaderSize bytes.
var _ [HeaderSize - unsafe.Sizeof(header{})]byte
var _ [unsafe.Sizeof(header{}) - HeaderSize]byte

func headerAt(mem []byte) *header {
	return (*header)(unsafe.Pointer(&mem[0]))
}

func (h *header) init(flags Flags, capacity, slotSize uint64, creator uint32) {
	copy(h.magic[:], headerMagic)
	h.version = headerVersion
	h.flags = uint32(flags)
	h.capacity = capacity
	h.slotSize = slotSize
	atomic.StoreUint64(&h.head, 0)
	atomic.StoreUint64(&h.tail, 0)
	atomic.StoreUint64(&h.num, 0)
	atomic.StoreUint64(&h.bytes, 0)
	atomic.StoreUint32(&h.lock, 0)
	atomic.StoreUint32(&h.waiters, 0)
	atomic.StoreUint32(&h.closed, 0)
	atomic.StoreUint32(&h.creator, creator)
	atomic.StoreUint32(&h.pending, 0)
}

// commit applies a new queue position. The intent record is written and
// marked pending before any committed field changes, and cleared after the
// last one, so a crash leaves either the old state or a record that
// rollForward can finish.
func (h *header) commit(head, tail, num, size uint64) {
	atomic.StoreUint64(&h.nextHead, head)
	atomic.StoreUint64(&h.nextTail, tail)
	atomic.StoreUint64(&h.nextNum, num)
	atomic.StoreUint64(&h.nextSize, size)
	atomic.StoreUint32(&h.pending, 1)

	h.apply()
	atomic.StoreUint32(&h.pending, 0)
}

func (h *header) apply() {
	atomic.StoreUint64(&h.head, atomic.LoadUint64(&h.nextHead))
	atomic.StoreUint64(&h.tail, atomic.LoadUint64(&h.nextTail))
	atomic.StoreUint64(&h.num, atomic.LoadUint64(&h.nextNum))
	atomic.StoreUint64(&h.bytes, atomic.LoadUint64(&h.nextSize))
}

// rollForward finishes an operation interrupted after its intent record was
// marked pending. It reports whether there was one.
func (h *header) rollForward() bool {
	if atomic.LoadUint32(&h.pending) == 0 {
		return false
	}

	h.apply()
	atomic.StoreUint32(&h.pending, 0)
	return true
}

// validate checks a header found in an existing mapping of mapped bytes.
func (h *header) validate(mapped int) error {
	if string(h.magic[:]) != headerMagic {
		return ErrInvalidChannel
	}
	if h.version != headerVersion {
		return ErrInvalidChannel
	}
	if h.slotSize == 0 || h.capacity < h.slotSize+frameHeader {
		return ErrInvalidChannel
	}
	if uint64(mapped) < HeaderSize+h.capacity {
		return ErrInvalidChannel
	}

	return nil
}

func (h *header) isClosed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

func (h *header) markClosed() {
	atomic.StoreUint32(&h.closed, 1)
}

func (h *header) stats() Stats {
	return Stats{
		QueueNum:   atomic.LoadUint64(&h.num),
		QueueBytes: atomic.LoadUint64(&h.bytes),
	}
}
