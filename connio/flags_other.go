//go:build !linux

package connio

// MsgNoSignal is zero where the platform has no MSG_NOSIGNAL. The Go runtime
// already turns SIGPIPE on sockets into an EPIPE error there.
const MsgNoSignal = 0
