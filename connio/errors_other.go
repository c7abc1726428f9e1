//go:build !(darwin || dragonfly || freebsd || netbsd || openbsd)

package connio

const noBuffersClass = ClassError
