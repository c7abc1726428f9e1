package connio

import (
	"os"

	"github.com/eapache/queue"
)

// chunk is a run of pending output: either bytes held in data, or size bytes
// of file starting at pos. offset counts what has been written so far.
type chunk struct {
	data   []byte
	file   *os.File
	pos    int64
	size   int
	offset int
}

func (c *chunk) length() int {
	if c.file != nil {
		return c.size
	}

	return len(c.data)
}

// OutBuffer holds output that could not be written immediately. Chunks are
// sent in order; a partially written chunk resumes from its offset.
type OutBuffer struct {
	chunks *queue.Queue
	bytes  int
}

// NewOutBuffer returns an empty buffer.
func NewOutBuffer() *OutBuffer {
	return &OutBuffer{chunks: queue.New()}
}

// Append copies p to the end of the buffer. Empty input is ignored.
func (b *OutBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	data := make([]byte, len(p))
	copy(data, p)
	b.chunks.Add(&chunk{data: data})
	b.bytes += len(data)
}

// AppendFile queues length bytes of f starting at offset. The file is read
// when the chunk is written, so it must stay open until then.
func (b *OutBuffer) AppendFile(f *os.File, offset int64, length int) {
	if length <= 0 {
		return
	}

	b.chunks.Add(&chunk{file: f, pos: offset, size: length})
	b.bytes += length
}

// Len returns the number of pending chunks.
func (b *OutBuffer) Len() int {
	return b.chunks.Length()
}

// Bytes returns the number of unsent bytes.
func (b *OutBuffer) Bytes() int {
	return b.bytes
}

// Empty reports whether nothing is pending.
func (b *OutBuffer) Empty() bool {
	return b.chunks.Length() == 0
}

// Reset drops all pending output.
func (b *OutBuffer) Reset() {
	b.chunks = queue.New()
	b.bytes = 0
}

func (b *OutBuffer) front() *chunk {
	return b.chunks.Peek().(*chunk)
}

// consume marks n bytes of the front chunk as written and drops the chunk
// once it is complete.
func (b *OutBuffer) consume(n int) {
	c := b.front()
	c.offset += n
	b.bytes -= n
	if c.offset >= c.length() {
		b.chunks.Remove()
	}
}
