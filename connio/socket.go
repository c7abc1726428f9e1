package connio

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listening socket bound to addr ("host:port").
//
// Parameters:
//   - addr: Address to bind; port 0 picks a free port
//   - backlog: Accept queue length; values <= 0 use unix.SOMAXCONN
//
// Returns:
//   - The listening descriptor
//   - An error if resolving, binding or listening fails
func Listen(addr string, backlog int) (int, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}

	return fd, nil
}

// Accept takes the next connection from a listening descriptor, retrying
// interrupted calls.
//
// Returns:
//   - The connected descriptor
//   - The peer address
//   - An error to be classified with Classify (would-block on a
//     non-blocking listener)
func Accept(listenFD int) (int, net.Addr, error) {
	for {
		fd, sa, err := unix.Accept(listenFD)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, fmt.Errorf("accept: %w", err)
		}

		unix.CloseOnExec(fd)
		return fd, sockaddrToTCP(sa), nil
	}
}

// Dial connects a new blocking TCP socket to addr.
func Dial(addr string) (int, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	err = unix.Connect(fd, sa)
	if err == unix.EINTR {
		// The connect continues in the background; wait for it.
		err = waitConnected(fd)
	}
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}

	return fd, nil
}

func waitConnected(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}

	return nil
}

// Socketpair returns a connected pair of local stream sockets.
func Socketpair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("socketpair: %w", err)
	}

	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}

// SetNonblock switches fd between blocking and non-blocking mode.
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// SetLinger sets SO_LINGER. A zero timeout makes close reset the connection.
func SetLinger(fd int, seconds int) error {
	l := &unix.Linger{Onoff: 1, Linger: int32(seconds)}
	return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l)
}

// PeerAddr returns the remote address of a connected socket.
func PeerAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, fmt.Errorf("getpeername: %w", err)
	}

	return sockaddrToTCP(sa), nil
}

// LocalAddr returns the local address of a socket.
func LocalAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	return sockaddrToTCP(sa), nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", addr, err)
	}

	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		ip = netip.IPv4Unspecified()
	}
	ip = ip.Unmap()

	if ip.Is4() {
		return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip.As4()}, unix.AF_INET, nil
	}

	return &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: ip.As16()}, unix.AF_INET6, nil
}

func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	default:
		return nil
	}
}
