//go:build !unix

package pagedb

import (
	"errors"
	"os"
)

func lockFile(*os.File) error {
	return errors.ErrUnsupported
}

func unlockFile(*os.File) error {
	return errors.ErrUnsupported
}
