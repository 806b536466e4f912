package comm

import (
	"context"
	"net"
	"testing"
)

func TestMacToUint64(t *testing.T) {
	got, err := macToUint64("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xAABBCCDDEEFF {
		t.Fatalf("macToUint64() = %#x", got)
	}
	if _, err := macToUint64("not a mac"); err == nil {
		t.Fatal("macToUint64() accepted garbage")
	}
	if _, err := macToUint64("00:00:5e:00:53:01:02:03"); err == nil {
		t.Fatal("macToUint64() accepted an EUI-64")
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Write([]byte("ok"))
			c.Close()
		}
	}()

	link, err := Dial(context.Background(), LinkConfig{Type: LinkTCP, Address: ln.Addr().String()})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer link.Close()
	buf := make([]byte, 2)
	if _, err := link.Read(buf); err != nil || string(buf) != "ok" {
		t.Fatalf("Read() = %q, %v", buf, err)
	}
}

func TestDialUnknownType(t *testing.T) {
	if _, err := Dial(context.Background(), LinkConfig{Type: "usb"}); err == nil {
		t.Fatal("Dial() accepted unknown link type")
	}
}

func TestDialSerialMissingDevice(t *testing.T) {
	_, err := Dial(context.Background(), LinkConfig{Type: LinkSerial, Address: "/nonexistent/tty-bcl", Baud: 115200})
	if err == nil {
		t.Fatal("Dial() opened a missing serial device")
	}
}
