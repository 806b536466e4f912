//go:build !linux && !windows

package comm

import (
	"fmt"
	"io"
	"runtime"
)

func connectByAddr(macAddrStr string, _ int, _ string) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("rfcomm sockets are not supported on %s; use a serial link to %s", runtime.GOOS, macAddrStr)
}
