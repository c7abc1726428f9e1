package connio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tempFile(t *testing.T, content []byte) *os.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// opaqueTransport hides FileSender so the handle has to copy file contents.
type opaqueTransport struct {
	Transport
}

func TestHandle_SendFile(t *testing.T) {
	content := []byte("0123456789abcdefghij")

	t.Run("plaintext uses sendfile", func(t *testing.T) {
		sys := &fakeSyscalls{}
		counter := &ByteCounter{}
		h, err := NewHandle(3, WithSyscalls(sys), WithCounter(counter))
		require.NoError(t, err)

		n, err := h.SendFile(tempFile(t, content), 4, 6)
		require.NoError(t, err)
		assert.Equal(t, 6, n)
		assert.Equal(t, "456789", string(sys.sent))
		assert.Equal(t, 1, sys.fileCalls)
		assert.Zero(t, sys.sendCalls)
		assert.Equal(t, uint64(6), counter.Sent())
	})

	t.Run("zero length sends to the end of the file", func(t *testing.T) {
		sys := &fakeSyscalls{}
		h, err := NewHandle(3, WithSyscalls(sys))
		require.NoError(t, err)

		n, err := h.SendFile(tempFile(t, content), 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
		assert.Equal(t, "abcdefghij", string(sys.sent))
	})

	t.Run("length is clamped to the file", func(t *testing.T) {
		sys := &fakeSyscalls{}
		h, err := NewHandle(3, WithSyscalls(sys))
		require.NoError(t, err)

		n, err := h.SendFile(tempFile(t, content), 15, 100)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("offset past the end is rejected", func(t *testing.T) {
		sys := &fakeSyscalls{}
		h, err := NewHandle(3, WithSyscalls(sys))
		require.NoError(t, err)

		_, err = h.SendFile(tempFile(t, content), 21, 1)
		assert.ErrorIs(t, err, ErrFileRange)
		assert.Zero(t, sys.fileCalls)
	})

	t.Run("interrupted sendfile is retried", func(t *testing.T) {
		sys := &fakeSyscalls{sendfiles: []scripted{{err: unix.EINTR}, {n: 100}}}
		h, err := NewHandle(3, WithSyscalls(sys))
		require.NoError(t, err)

		n, err := h.SendFile(tempFile(t, content), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, len(content), n)
		assert.Equal(t, 2, sys.fileCalls)
	})

	t.Run("other transports get a copy", func(t *testing.T) {
		sys := &fakeSyscalls{sends: []scripted{{n: 100}, {n: 3}}}
		h, err := NewHandle(3, WithSyscalls(sys),
			WithTransport(opaqueTransport{NewPlainTransport(3, sys)}))
		require.NoError(t, err)

		n, err := h.SendFile(tempFile(t, content), 2, 8)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
		assert.Equal(t, "23456789", string(sys.sent))
		assert.Zero(t, sys.fileCalls)

		n, err = h.SendFile(tempFile(t, content), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, n, "a short write ends the call")
	})

	t.Run("closed handle", func(t *testing.T) {
		h, err := NewHandle(3, WithSyscalls(&fakeSyscalls{}))
		require.NoError(t, err)
		require.NoError(t, h.Close())

		_, err = h.SendFile(tempFile(t, content), 0, 0)
		assert.ErrorIs(t, err, ErrHandleClosed)
		assert.ErrorIs(t, h.EnqueueFile(tempFile(t, content), 0, 0), ErrHandleClosed)
	})
}

func TestHandle_FlushFile(t *testing.T) {
	content := []byte("0123456789abcdefghij")

	t.Run("resumes a partial sendfile in order with byte chunks", func(t *testing.T) {
		sys := &fakeSyscalls{sendfiles: []scripted{
			{n: 4},
			{err: unix.EAGAIN},
			{n: 100},
		}}
		h, err := NewHandle(3, WithSyscalls(sys))
		require.NoError(t, err)

		require.NoError(t, h.Enqueue([]byte("head:")))
		require.NoError(t, h.EnqueueFile(tempFile(t, content), 5, 10))
		require.NoError(t, h.Enqueue([]byte(":tail")))
		pending, chunks := h.Buffered()
		assert.Equal(t, 20, pending)
		assert.Equal(t, 3, chunks)

		n, err := h.Flush()
		assert.Equal(t, 9, n)
		assert.Equal(t, ClassRetry, Classify(err))
		pending, chunks = h.Buffered()
		assert.Equal(t, 11, pending)
		assert.Equal(t, 2, chunks)

		n, err = h.Flush()
		require.NoError(t, err)
		assert.Equal(t, 11, n)
		assert.Equal(t, "head:56789abcde:tail", string(sys.sent))
		pending, chunks = h.Buffered()
		assert.Zero(t, pending)
		assert.Zero(t, chunks)
	})

	t.Run("empty file queues nothing", func(t *testing.T) {
		h, err := NewHandle(3, WithSyscalls(&fakeSyscalls{}))
		require.NoError(t, err)

		require.NoError(t, h.EnqueueFile(tempFile(t, nil), 0, 0))
		_, chunks := h.Buffered()
		assert.Zero(t, chunks)
	})
}

func TestHandle_SendFileOverSocket(t *testing.T) {
	content := bytes.Repeat([]byte("netcore sendfile "), 4096)

	for _, tt := range []struct {
		name string
		wrap bool
	}{
		{"kernel sendfile", false},
		{"copy through the transport", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			client, server := tcpPair(t)

			var opts []Option
			if tt.wrap {
				opts = append(opts, WithTransport(opaqueTransport{NewPlainTransport(client, nil)}))
			}
			writer, err := NewHandle(client, opts...)
			require.NoError(t, err)
			defer writer.Close()
			reader, err := NewHandle(server)
			require.NoError(t, err)
			defer reader.Close()

			done := make(chan []byte)
			go func() {
				got := make([]byte, len(content)-100)
				n, _ := reader.Recv(got, MsgWaitAll)
				done <- got[:n]
			}()

			require.NoError(t, writer.EnqueueFile(tempFile(t, content), 100, 0))
			for {
				pending, _ := writer.Buffered()
				if pending == 0 {
					break
				}
				_, err := writer.Flush()
				if err != nil {
					require.Equal(t, ClassRetry, Classify(err))
				}
			}

			assert.Equal(t, content[100:], <-done)
		})
	}
}
