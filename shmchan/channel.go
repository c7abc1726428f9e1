// Package shmchan implements a fixed-size FIFO of opaque messages in a
// memory region that several processes can map. Messages are stored as
// length-prefixed frames in a circular data area behind a small header; a
// lock kept in that header serializes every push and pop.
//
// The channel never grows and never blocks waiting for data: a full Push
// fails with ErrQueueFull and an empty Pop with ErrQueueEmpty, and the caller
// decides whether to retry or drop.
//
// Memory stays mapped in every process until that process calls Close.
// When the creator closes the channel, the header is marked closed, so
// every attached process then gets ErrChannelClosed instead of touching
// released memory.
package shmchan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cyberinferno/go-netcore/logger"
)

// BufferSizeStd is the smallest size New accepts and the slot size of every
// channel it creates.
const BufferSizeStd = 8192

// Flags select how a channel is backed.
type Flags uint32

const (
	// FlagLock keeps the lock in the shared header so several processes can
	// use the channel. Without it a process-local mutex is used.
	FlagLock Flags = 1 << iota
	// FlagShm backs the channel with a shared mapping instead of the heap.
	FlagShm
)

var (
	ErrSizeTooSmall    = errors.New("shmchan: size below minimum")
	ErrInvalidSlotSize = errors.New("shmchan: invalid slot size")
	ErrInvalidOptions  = errors.New("shmchan: invalid options")
	ErrMessageTooLarge = errors.New("shmchan: message larger than slot size")
	ErrQueueFull       = errors.New("shmchan: queue full")
	ErrQueueEmpty      = errors.New("shmchan: queue empty")
	ErrBufferTooSmall  = errors.New("shmchan: buffer too small for message")
	ErrChannelClosed   = errors.New("shmchan: channel closed")
	ErrInvalidChannel  = errors.New("shmchan: not a valid channel")
	ErrNotSupported    = errors.New("shmchan: shared channels not supported on this platform")
)

// Stats is a snapshot of the queue counters.
type Stats struct {
	QueueNum   uint64 // Messages queued
	QueueBytes uint64 // Bytes queued, length prefixes included
}

// Option configures Create, New, Open and OpenFD.
type Option func(*config)

type config struct {
	name string
	log  logger.Logger
}

// WithName backs a FlagShm channel with a named file under /dev/shm that
// other processes can attach to with Open.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithLogger sets the logger for lifecycle and lock recovery events.
func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

func newConfig(opts []Option) config {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.NewNopLogger()
	}

	return cfg
}

// Channel is one process's view of a message queue. All methods are safe
// for concurrent use.
type Channel struct {
	mem      []byte
	hdr      *header
	data     []byte
	capacity uint64
	slotSize uint64
	flags    Flags

	lock  locker
	file  *os.File
	path  string
	name  string
	owner bool
	heap  bool
	log   logger.Logger

	// mu keeps Close from unmapping memory under a running operation.
	mu     sync.RWMutex
	closed bool
}

// MinSize returns the smallest data region that holds one message of
// slotSize bytes.
func MinSize(slotSize int) int {
	return slotSize + frameHeader
}

// MaxSlotSize returns the largest message a data region of size bytes can
// hold.
func MaxSlotSize(size int) int {
	return size - frameHeader
}

// New creates a channel the way scripting hosts expect: sizes below
// BufferSizeStd are raised to it, messages are limited to BufferSizeStd
// bytes and the channel is shared between processes. The data region is
// MinSize(size) bytes, so a maximal message fits even at the floor.
//
// Parameters:
//   - size: Requested channel size in bytes
//   - opts: Optional settings
//
// Returns:
//   - The new Channel
//   - An error if the shared mapping could not be created
func New(size int, opts ...Option) (*Channel, error) {
	if size < BufferSizeStd {
		size = BufferSizeStd
	}

	return Create(MinSize(size), BufferSizeStd, FlagLock|FlagShm, opts...)
}

// Create allocates a channel with a data region of totalSize bytes.
//
// Parameters:
//   - totalSize: Data region size in bytes; at least MinSize(slotSize)
//   - slotSize: Largest message Push accepts
//   - flags: FlagLock and/or FlagShm
//   - opts: Optional settings
//
// Returns:
//   - The new Channel, owned by the calling process
//   - ErrInvalidSlotSize, ErrSizeTooSmall, ErrInvalidOptions, ErrNotSupported
//     or a mapping error
func Create(totalSize, slotSize int, flags Flags, opts ...Option) (*Channel, error) {
	if slotSize <= 0 || uint64(slotSize) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlotSize, slotSize)
	}
	if totalSize < MinSize(slotSize) {
		return nil, fmt.Errorf("%w: %d < %d", ErrSizeTooSmall, totalSize, MinSize(slotSize))
	}
	if flags&(FlagLock|FlagShm) != 0 && !sharedSupported {
		return nil, ErrNotSupported
	}

	cfg := newConfig(opts)
	if cfg.name != "" && flags&FlagShm == 0 {
		return nil, fmt.Errorf("%w: a named channel needs FlagShm", ErrInvalidOptions)
	}

	size := HeaderSize + totalSize
	c := &Channel{
		flags: flags,
		name:  cfg.name,
		owner: true,
		log:   cfg.log,
	}

	var err error
	switch {
	case cfg.name != "":
		c.file, c.mem, c.path, err = mapNamed(cfg.name, size)
	case flags&FlagShm != 0:
		c.file, c.mem, err = mapAnonymous(size)
	default:
		c.mem, c.heap = heapRegion(size), true
	}
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	self := uint32(os.Getpid())
	headerAt(c.mem).init(flags, uint64(totalSize), uint64(slotSize), self)
	c.setup(self)

	c.log.Debug("channel created",
		logger.F("capacity", totalSize),
		logger.F("slot_size", slotSize),
		logger.F("flags", uint32(flags)),
		logger.F("name", cfg.name))

	return c, nil
}

// Open attaches to a named channel created by another process.
func Open(name string, opts ...Option) (*Channel, error) {
	f, err := openNamed(name)
	if err != nil {
		return nil, err
	}

	cfg := newConfig(opts)
	cfg.name = name
	return attach(f, cfg)
}

// OpenFD attaches to a channel through a descriptor of its backing file,
// typically a memfd inherited from the creator. The channel takes ownership
// of fd.
func OpenFD(fd int, opts ...Option) (*Channel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: descriptor %d", ErrInvalidChannel, fd)
	}

	return attach(os.NewFile(uintptr(fd), "netcore_chan"), newConfig(opts))
}

func attach(f *os.File, cfg config) (*Channel, error) {
	mem, err := mapExisting(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("attach channel: %w", err)
	}

	fail := func(err error) (*Channel, error) {
		_ = unmap(mem)
		_ = f.Close()
		return nil, fmt.Errorf("attach channel: %w", err)
	}

	hdr := headerAt(mem)
	if err := hdr.validate(len(mem)); err != nil {
		return fail(err)
	}
	if Flags(hdr.flags)&FlagLock == 0 {
		return fail(fmt.Errorf("%w: channel was created without FlagLock", ErrInvalidOptions))
	}
	if hdr.isClosed() {
		return fail(ErrChannelClosed)
	}

	c := &Channel{
		mem:   mem,
		flags: Flags(hdr.flags),
		file:  f,
		name:  cfg.name,
		log:   cfg.log,
	}
	c.setup(uint32(os.Getpid()))

	c.log.Debug("channel attached",
		logger.F("capacity", c.capacity),
		logger.F("creator_pid", atomic.LoadUint32(&hdr.creator)),
		logger.F("name", cfg.name))

	return c, nil
}

func (c *Channel) setup(self uint32) {
	c.hdr = headerAt(c.mem)
	c.capacity = c.hdr.capacity
	c.slotSize = c.hdr.slotSize
	c.data = c.mem[HeaderSize : HeaderSize+c.capacity]

	if c.flags&FlagLock != 0 {
		m := newRobustMutex(c.hdr, self, c.log)
		m.onTakeover = c.repair
		c.lock = m
	} else {
		c.lock = &localMutex{}
	}
}

// heapRegion returns size zeroed bytes aligned for the header's 64-bit
// fields.
func heapRegion(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// Push appends msg to the queue.
//
// Parameters:
//   - msg: The message; copied into the channel
//
// Returns:
//   - nil on success
//   - ErrMessageTooLarge if msg exceeds the slot size, ErrQueueFull if the
//     framed message does not fit in the free space, ErrChannelClosed after
//     Close
func (c *Channel) Push(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return err
	}
	if uint64(len(msg)) > c.slotSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(msg), c.slotSize)
	}

	framed := uint64(len(msg)) + frameHeader

	c.lock.Lock()
	defer c.lock.Unlock()

	queued := atomic.LoadUint64(&c.hdr.bytes)
	if queued+framed > c.capacity {
		return fmt.Errorf("%w: %d queued, %d needed, %d capacity", ErrQueueFull, queued, framed, c.capacity)
	}

	var prefix [frameHeader]byte
	binary.NativeEndian.PutUint32(prefix[:], uint32(len(msg)))

	tail := atomic.LoadUint64(&c.hdr.tail)
	tail = c.writeAt(tail, prefix[:])
	tail = c.writeAt(tail, msg)

	c.hdr.commit(
		atomic.LoadUint64(&c.hdr.head),
		tail,
		atomic.LoadUint64(&c.hdr.num)+1,
		queued+framed,
	)

	return nil
}

// Pop removes the oldest message and copies it into buf.
//
// Returns:
//   - The message length
//   - ErrQueueEmpty, ErrBufferTooSmall (the message stays queued) or
//     ErrChannelClosed
func (c *Channel) Pop(buf []byte) (int, error) {
	msg, err := c.next(buf, true, false)
	return len(msg), err
}

// Peek copies the oldest message into buf without removing it. Results are
// as for Pop.
func (c *Channel) Peek(buf []byte) (int, error) {
	msg, err := c.next(buf, false, false)
	return len(msg), err
}

// PopBytes removes the oldest message and returns it in a new slice.
func (c *Channel) PopBytes() ([]byte, error) {
	return c.next(nil, true, true)
}

// PeekBytes returns a copy of the oldest message without removing it.
func (c *Channel) PeekBytes() ([]byte, error) {
	return c.next(nil, false, true)
}

func (c *Channel) next(buf []byte, consume, alloc bool) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if atomic.LoadUint64(&c.hdr.num) == 0 {
		return nil, ErrQueueEmpty
	}

	var prefix [frameHeader]byte
	head := atomic.LoadUint64(&c.hdr.head)
	off := c.readAt(head, prefix[:])

	n := uint64(binary.NativeEndian.Uint32(prefix[:]))
	framed := n + frameHeader
	if n > c.slotSize || framed > atomic.LoadUint64(&c.hdr.bytes) {
		return nil, fmt.Errorf("%w: frame of %d bytes at offset %d", ErrInvalidChannel, n, head)
	}

	if alloc {
		buf = make([]byte, n)
	} else if uint64(len(buf)) < n {
		return nil, fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(buf), n)
	}

	buf = buf[:n]
	off = c.readAt(off, buf)

	if consume {
		c.hdr.commit(
			off,
			atomic.LoadUint64(&c.hdr.tail),
			atomic.LoadUint64(&c.hdr.num)-1,
			atomic.LoadUint64(&c.hdr.bytes)-framed,
		)
	}

	return buf, nil
}

// writeAt copies p into the data region at off, wrapping at the end, and
// returns the offset after it.
func (c *Channel) writeAt(off uint64, p []byte) uint64 {
	n := copy(c.data[off:], p)
	copy(c.data, p[n:])
	return (off + uint64(len(p))) % c.capacity
}

// readAt fills p from the data region at off, wrapping at the end, and
// returns the offset after it.
func (c *Channel) readAt(off uint64, p []byte) uint64 {
	n := copy(p, c.data[off:])
	copy(p[n:], c.data)
	return (off + uint64(len(p))) % c.capacity
}

// repair runs under the lock after it was taken over from a dead owner. An
// operation the owner had marked pending is finished, then the counters are
// rebuilt from the frames between head and tail. If the frames do not parse
// the queue is emptied.
func (c *Channel) repair(owner uint32) {
	finished := c.hdr.rollForward()
	before := c.hdr.stats()
	head := atomic.LoadUint64(&c.hdr.head)
	tail := atomic.LoadUint64(&c.hdr.tail)

	num, size, err := c.scan(head, tail)
	if err != nil {
		c.hdr.commit(head, head, 0, 0)
		c.log.Error("dropped unreadable channel contents left by dead owner",
			logger.F("owner_pid", owner),
			logger.F("dropped", before.QueueNum),
			logger.F("error", err))
		return
	}

	if !finished && before == (Stats{QueueNum: num, QueueBytes: size}) {
		return
	}

	c.hdr.commit(head, tail, num, size)
	c.log.Warn("repaired channel state left by dead owner",
		logger.F("owner_pid", owner),
		logger.F("finished_pending", finished),
		logger.F("queue_num", num),
		logger.F("queue_bytes", size))
}

// scan walks the frames from head to tail and returns their count and framed
// size. head == tail is an empty queue unless the byte counter says the
// region is full.
func (c *Channel) scan(head, tail uint64) (uint64, uint64, error) {
	if head >= c.capacity || tail >= c.capacity {
		return 0, 0, fmt.Errorf("%w: head %d tail %d", ErrInvalidChannel, head, tail)
	}

	span := (tail + c.capacity - head) % c.capacity
	if span == 0 && atomic.LoadUint64(&c.hdr.bytes) == c.capacity {
		span = c.capacity
	}

	var num, walked uint64
	var prefix [frameHeader]byte
	pos := head
	for walked < span {
		if span-walked < frameHeader {
			return 0, 0, fmt.Errorf("%w: truncated frame at offset %d", ErrInvalidChannel, pos)
		}

		next := c.readAt(pos, prefix[:])
		n := uint64(binary.NativeEndian.Uint32(prefix[:]))
		if n > c.slotSize || walked+frameHeader+n > span {
			return 0, 0, fmt.Errorf("%w: frame of %d bytes at offset %d", ErrInvalidChannel, n, pos)
		}

		pos = (next + n) % c.capacity
		walked += frameHeader + n
		num++
	}

	return num, span, nil
}

func (c *Channel) usable() error {
	if c.closed || c.hdr.isClosed() {
		return ErrChannelClosed
	}

	return nil
}

// Stats returns the queue counters. The counters are read atomically
// without taking the channel lock, so the pair may straddle a concurrent
// push or pop.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return Stats{}
	}

	return c.hdr.stats()
}

// Capacity returns the size of the data region in bytes.
func (c *Channel) Capacity() int {
	return int(c.capacity)
}

// SlotSize returns the largest message Push accepts.
func (c *Channel) SlotSize() int {
	return int(c.slotSize)
}

// Flags returns the flags the channel was created with.
func (c *Channel) Flags() Flags {
	return c.flags
}

// FD returns the descriptor of the backing file, or -1 for a heap channel.
func (c *Channel) FD() int {
	if c.file == nil {
		return -1
	}

	return int(c.file.Fd())
}

// File returns the backing file, or nil for a heap channel. It can be passed
// to a child process and attached there with OpenFD.
func (c *Channel) File() *os.File {
	return c.file
}

// Name returns the name given with WithName or Open.
func (c *Channel) Name() string {
	return c.name
}

// Owner reports whether this process created the channel.
func (c *Channel) Owner() bool {
	return c.owner
}

// Close releases this process's mapping. When the creator closes, the
// channel is marked closed for every process and its name is removed.
// Only the first call does anything.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.owner {
		c.hdr.markClosed()
		if c.path != "" {
			if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s: %w", c.path, err))
			}
		}
	}

	if !c.heap {
		if err := unmap(c.mem); err != nil {
			errs = append(errs, err)
		}
	}
	c.mem, c.data = nil, nil

	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel file: %w", err))
		}
	}

	c.log.Debug("channel closed", logger.F("owner", c.owner), logger.F("name", c.name))

	return errors.Join(errs...)
}
