package comm

import (
	"fmt"
	"io"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var modws2_32 = windows.NewLazySystemDLL("ws2_32.dll")
var procConnect = modws2_32.NewProc("connect")

const (
	afBTH          = 32
	bthprotoRFCOMM = 3
	sockaddrBTHLen = 30
)

// connectByAddr dials RFCOMM through Winsock. With channel 0 the stack
// resolves the service GUID via SDP.
func connectByAddr(macAddrStr string, channel int, serviceUUID string) (io.ReadWriteCloser, error) {
	macAddr, err := macToUint64(macAddrStr)
	if err != nil {
		return nil, err
	}
	guid, err := windows.GUIDFromString("{" + serviceUUID + "}")
	if err != nil {
		return nil, fmt.Errorf("service uuid %s: %w", serviceUUID, err)
	}

	fd, err := windows.Socket(afBTH, windows.SOCK_STREAM, bthprotoRFCOMM)
	if err != nil {
		return nil, err
	}

	// SOCKADDR_BTH is packed: Family(2) + Addr(8) + GUID(16) + Port(4).
	rawSa := make([]byte, sockaddrBTHLen)
	*(*uint16)(unsafe.Pointer(&rawSa[0])) = afBTH
	*(*uint64)(unsafe.Pointer(&rawSa[2])) = macAddr
	*(*windows.GUID)(unsafe.Pointer(&rawSa[10])) = guid
	*(*uint32)(unsafe.Pointer(&rawSa[26])) = uint32(channel)

	r1, _, err := procConnect.Call(uintptr(fd), uintptr(unsafe.Pointer(&rawSa[0])), uintptr(sockaddrBTHLen))
	if r1 != 0 {
		windows.Closesocket(fd)
		return nil, fmt.Errorf("winsock connect %s: %v", macAddrStr, err)
	}
	return &rawBtSocket{fd: fd}, nil
}

// rawBtSocket is a blocking Winsock RFCOMM socket. Close from another
// goroutine aborts a pending recv.
type rawBtSocket struct {
	mu sync.Mutex
	fd windows.Handle
}

func (s *rawBtSocket) handle() windows.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

func (s *rawBtSocket) Read(p []byte) (int, error) {
	fd := s.handle()
	if fd == windows.InvalidHandle {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	var done, flags uint32
	if err := windows.WSARecv(fd, &buf, 1, &done, &flags, nil, nil); err != nil {
		return 0, err
	}
	// zero bytes means the peer closed
	if done == 0 {
		return 0, io.EOF
	}
	return int(done), nil
}

func (s *rawBtSocket) Write(p []byte) (int, error) {
	fd := s.handle()
	if fd == windows.InvalidHandle {
		return 0, syscall.EINVAL
	}
	var totalSent int
	for totalSent < len(p) {
		remaining := p[totalSent:]
		buf := windows.WSABuf{Len: uint32(len(remaining)), Buf: &remaining[0]}
		var done uint32
		if err := windows.WSASend(fd, &buf, 1, &done, 0, nil, nil); err != nil {
			if err == windows.WSAEWOULDBLOCK {
				continue
			}
			return totalSent, err
		}
		if done == 0 {
			return totalSent, io.ErrUnexpectedEOF
		}
		totalSent += int(done)
	}
	return totalSent, nil
}

func (s *rawBtSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd == windows.InvalidHandle {
		return nil
	}
	err := windows.Closesocket(s.fd)
	s.fd = windows.InvalidHandle
	return err
}
