//go:build !unix

package process

import (
	"fmt"
	"runtime"
)

func execve(path string, argv []string, env []string) error {
	return fmt.Errorf("replacing the process image is not supported on %s", runtime.GOOS)
}
