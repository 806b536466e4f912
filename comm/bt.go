// Package comm opens the physical link to the head unit: a serial tty, a raw
// RFCOMM socket, a BlueZ profile connection or plain TCP.
package comm

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/tarm/serial"

	"dosgo/bclProxy/util"
)

// Dial opens the link described by cfg. Closing the returned link is what
// unblocks a pending read on it.
func Dial(ctx context.Context, cfg LinkConfig) (io.ReadWriteCloser, error) {
	util.LogInfo("Opening %s link to %s", cfg.Type, cfg.Address)
	switch cfg.Type {
	case LinkSerial:
		return connectByCom(cfg.Address, cfg.Baud)
	case LinkRFCOMM:
		return connectByAddr(cfg.Address, cfg.Channel, cfg.UUID)
	case LinkBlueZ:
		return DialBlueZ(ctx, cfg)
	case LinkTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Address)
	}
	return nil, fmt.Errorf("unknown link type %q", cfg.Type)
}

func macToUint64(macStr string) (uint64, error) {
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return 0, err
	}
	if len(hw) != 6 {
		return 0, fmt.Errorf("%s is not a Bluetooth address", macStr)
	}
	var result uint64
	// hw[0] is the most significant byte
	for i := 0; i < 6; i++ {
		result = (result << 8) | uint64(hw[i])
	}
	return result, nil
}

func connectByCom(comName string, baud int) (io.ReadWriteCloser, error) {
	c := &serial.Config{Name: comName, Baud: baud} // /dev/rfcomm0 or COM4, 115200
	serialPort, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", comName, err)
	}
	return serialPort, nil
}
