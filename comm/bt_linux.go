package comm

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"dosgo/bclProxy/util"
)

func parseMAC(macStr string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return b, err
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("%s is not a Bluetooth address", macStr)
	}
	// The kernel keeps BD_ADDR little endian.
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

// connectByAddr dials an RFCOMM socket. Channel 0 tries channels 1..5; the
// uuid is only used by the Windows stack, which resolves channels via SDP.
func connectByAddr(macAddrStr string, channel int, _ string) (io.ReadWriteCloser, error) {
	addr, err := parseMAC(macAddrStr)
	if err != nil {
		return nil, err
	}
	channels := []int{channel}
	if channel == 0 {
		channels = []int{1, 2, 3, 4, 5}
	}
	var lastErr error
	for _, ch := range channels {
		fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
		if err != nil {
			return nil, fmt.Errorf("rfcomm socket: %w", err)
		}
		sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: uint8(ch)}
		if err := unix.Connect(fd, sa); err != nil {
			util.LogDebug("rfcomm %s channel %d: %v", macAddrStr, ch, err)
			unix.Close(fd)
			lastErr = err
			continue
		}
		return fdLink(fd, fmt.Sprintf("rfcomm:%s/%d", macAddrStr, ch))
	}
	return nil, fmt.Errorf("rfcomm connect %s: no channel answered: %w", macAddrStr, lastErr)
}

// fdLink hands a connected Bluetooth socket to the runtime poller so that
// Close unblocks a pending Read. net.FileConn rejects AF_BLUETOOTH.
func fdLink(fd int, name string) (io.ReadWriteCloser, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}
