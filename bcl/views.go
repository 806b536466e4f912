package bcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	handshakeSize   = 8
	selectProtoSize = 2
	dataAckSize     = 4
	// knockMinSize is four empty length prefixes plus appType and param1.
	knockMinSize = 12
)

// view overlays big-endian fields onto a payload. Setters write through to
// the backing array.
type view []byte

func (v view) u16(off int) uint16       { return binary.BigEndian.Uint16(v[off:]) }
func (v view) u32(off int) uint32       { return binary.BigEndian.Uint32(v[off:]) }
func (v view) putU16(off int, x uint16) { binary.BigEndian.PutUint16(v[off:], x) }
func (v view) putU32(off int, x uint32) { binary.BigEndian.PutUint32(v[off:], x) }

// Handshake is the head unit's greeting: version @0, instanceId @2,
// bufferSize @4.
type Handshake struct{ v view }

func (h Handshake) Version() uint16        { return h.v.u16(0) }
func (h Handshake) SetVersion(x uint16)    { h.v.putU16(0, x) }
func (h Handshake) InstanceID() uint16     { return h.v.u16(2) }
func (h Handshake) SetInstanceID(x uint16) { h.v.putU16(2, x) }
func (h Handshake) BufferSize() uint32     { return h.v.u32(4) }
func (h Handshake) SetBufferSize(x uint32) { h.v.putU32(4, x) }

// Handshake returns the typed view if the packet classifies as a handshake.
func (p *Packet) Handshake() (Handshake, bool) {
	if Classify(p) != KindHandshake {
		return Handshake{}, false
	}
	return Handshake{v: p.Data}, true
}

// NewHandshake builds a HANDSHAKE packet.
func NewHandshake(version, instanceID uint16, bufferSize uint32) *Packet {
	p := &Packet{Command: CommandHandshake, Data: make([]byte, handshakeSize)}
	h, _ := p.Handshake()
	h.SetVersion(version)
	h.SetInstanceID(instanceID)
	h.SetBufferSize(bufferSize)
	return p
}

// SelectProto carries the protocol version chosen by the phone.
type SelectProto struct{ v view }

func (s SelectProto) Version() uint16     { return s.v.u16(0) }
func (s SelectProto) SetVersion(x uint16) { s.v.putU16(0, x) }

func (p *Packet) SelectProto() (SelectProto, bool) {
	if Classify(p) != KindSelectProto {
		return SelectProto{}, false
	}
	return SelectProto{v: p.Data}, true
}

func NewSelectProto(version uint16) *Packet {
	p := &Packet{Command: CommandSelectProto, Data: make([]byte, selectProtoSize)}
	s, _ := p.SelectProto()
	s.SetVersion(version)
	return p
}

// DataAck acknowledges Count bytes (header plus payload of a frame).
type DataAck struct{ v view }

func (a DataAck) Count() uint32     { return a.v.u32(0) }
func (a DataAck) SetCount(x uint32) { a.v.putU32(0, x) }

func (p *Packet) DataAck() (DataAck, bool) {
	if Classify(p) != KindDataAck {
		return DataAck{}, false
	}
	return DataAck{v: p.Data}, true
}

func NewDataAck(count uint32) *Packet {
	p := &Packet{Command: CommandDataAck, Data: make([]byte, dataAckSize)}
	a, _ := p.DataAck()
	a.SetCount(count)
	return p
}

// ErrMalformedKnock is returned when a KNOCK payload's length prefixes run
// past the end of the payload.
var ErrMalformedKnock = errors.New("bcl: malformed knock payload")

// Knock announces the phone's identity. The byte blocks alias the payload.
type Knock struct {
	Serial   []byte
	BtAddr   []byte
	MacAddr  []byte
	WifiAddr []byte
	AppType  uint16
	Param1   uint16
}

// Knock parses the identity blocks of a KNOCK packet.
func (p *Packet) Knock() (Knock, error) {
	if Classify(p) != KindKnock {
		return Knock{}, fmt.Errorf("%w: %s with %d payload bytes", ErrMalformedKnock, p.Command, len(p.Data))
	}
	return parseKnock(p.Data)
}

func parseKnock(data []byte) (Knock, error) {
	var k Knock
	rest := view(data)
	blocks := []*[]byte{&k.Serial, &k.BtAddr, &k.MacAddr, &k.WifiAddr}
	for _, b := range blocks {
		if len(rest) < 2 {
			return Knock{}, ErrMalformedKnock
		}
		n := int(rest.u16(0))
		if len(rest) < 2+n {
			return Knock{}, ErrMalformedKnock
		}
		*b = rest[2 : 2+n : 2+n]
		rest = rest[2+n:]
	}
	if len(rest) < 4 {
		return Knock{}, ErrMalformedKnock
	}
	k.AppType = rest.u16(0)
	k.Param1 = rest.u16(2)
	return k, nil
}

// NewKnock builds a KNOCK packet from the identity blocks.
func NewKnock(serial, btAddr, macAddr, wifiAddr []byte, appType, param1 uint16) *Packet {
	blocks := [][]byte{serial, btAddr, macAddr, wifiAddr}
	size := 4
	for _, b := range blocks {
		size += 2 + len(b)
	}
	data := make([]byte, 0, size)
	for _, b := range blocks {
		data = binary.BigEndian.AppendUint16(data, uint16(len(b)))
		data = append(data, b...)
	}
	data = binary.BigEndian.AppendUint16(data, appType)
	data = binary.BigEndian.AppendUint16(data, param1)
	return &Packet{Command: CommandKnock, Data: data}
}
