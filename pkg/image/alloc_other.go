//go:build !linux

package image

import "debug/elf"

func allocate(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}

func protect([]byte, elf.ProgFlag) error {
	return nil
}
