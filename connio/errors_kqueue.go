//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package connio

// kqueue platforms report transient socket buffer exhaustion as ENOBUFS.
const noBuffersClass = ClassRetry
