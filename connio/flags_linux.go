package connio

import "golang.org/x/sys/unix"

// MsgNoSignal keeps a send on a reset connection from raising SIGPIPE.
const MsgNoSignal = unix.MSG_NOSIGNAL
