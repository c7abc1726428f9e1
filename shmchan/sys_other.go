//go:build !linux

package shmchan

import (
	"os"
	"time"
)

const sharedSupported = false

func futexWait(*uint32, uint32, time.Duration) error {
	return ErrNotSupported
}

func futexWake(*uint32, int) (int, error) {
	return 0, ErrNotSupported
}

func pidAlive(uint32) bool {
	return true
}

func mapAnonymous(int) (*os.File, []byte, error) {
	return nil, nil, ErrNotSupported
}

func mapNamed(string, int) (*os.File, []byte, string, error) {
	return nil, nil, "", ErrNotSupported
}

func openNamed(string) (*os.File, error) {
	return nil, ErrNotSupported
}

func mapExisting(*os.File) ([]byte, error) {
	return nil, ErrNotSupported
}

func unmap([]byte) error {
	return nil
}
