package connio

import (
	"sync"

	"golang.org/x/sys/unix"
)

type scripted struct {
	n    int
	data []byte
	err  error
}

// fakeSyscalls replays scripted results and records every call.
type fakeSyscalls struct {
	mu        sync.Mutex
	recvs     []scripted
	sends     []scripted
	sendfiles []scripted
	recvCalls int
	sendCalls int
	fileCalls int
	flags     []int
	sent      []byte
	closed    []int
}

func (f *fakeSyscalls) Recv(fd int, p []byte, flags int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recvCalls++
	f.flags = append(f.flags, flags)
	if len(f.recvs) == 0 {
		return 0, unix.EAGAIN
	}

	r := f.recvs[0]
	if flags&MsgPeek == 0 || r.err != nil {
		f.recvs = f.recvs[1:]
	}
	if r.err != nil {
		return 0, r.err
	}

	return copy(p, r.data), nil
}

func (f *fakeSyscalls) Send(fd int, p []byte, flags int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendCalls++
	f.flags = append(f.flags, flags)
	if len(f.sends) == 0 {
		f.sent = append(f.sent, p...)
		return len(p), nil
	}

	r := f.sends[0]
	f.sends = f.sends[1:]
	if r.err != nil {
		return 0, r.err
	}

	n := min(r.n, len(p))
	f.sent = append(f.sent, p[:n]...)
	return n, nil
}

// Sendfile reads the requested range from inFD so tests can compare what
// the peer would have received.
func (f *fakeSyscalls) Sendfile(outFD, inFD int, offset *int64, count int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fileCalls++
	if len(f.sendfiles) > 0 {
		r := f.sendfiles[0]
		f.sendfiles = f.sendfiles[1:]
		if r.err != nil {
			return 0, r.err
		}
		count = min(r.n, count)
	}

	buf := make([]byte, count)
	n, err := unix.Pread(inFD, buf, *offset)
	if err != nil {
		return 0, err
	}

	f.sent = append(f.sent, buf[:n]...)
	*offset += int64(n)
	return n, nil
}

func (f *fakeSyscalls) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = append(f.closed, fd)
	return nil
}

// closerTransport records shutdown ordering relative to the descriptor close.
type closerTransport struct {
	Transport
	order *[]string
}

func (c *closerTransport) Close() error {
	*c.order = append(*c.order, "transport")
	return nil
}

type orderSyscalls struct {
	fakeSyscalls
	order *[]string
}

func (o *orderSyscalls) Close(fd int) error {
	*o.order = append(*o.order, "fd")
	return nil
}
