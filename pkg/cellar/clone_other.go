//go:build !darwin

package cellar

import "errors"

var errCloneUnsupported = errors.New("clonefile not supported on this platform")

func cloneFileCopy(src, dst string) error {
	return errCloneUnsupported
}
