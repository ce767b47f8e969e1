//go:build !unix

package qcf

import (
	"os"

	"github.com/pkg/errors"
)

func mmap(*os.File, int) ([]byte, error) {
	return nil, errors.New("qcf: mmap unsupported")
}

func munmap([]byte) error { return nil }
