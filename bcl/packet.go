// Package bcl implements the BCL framed multiplexing protocol spoken by the
// head unit over a Bluetooth serial link: packet codec, connection handshake,
// the sub-connection multiplexer and the shared connection state.
package bcl

import (
	"bytes"
	"fmt"

	"dosgo/bclProxy/util"
)

// Command is the 16-bit packet command on the wire.
type Command uint16

// Known commands. Values outside this range decode to CommandUnknown.
const (
	CommandUnknown Command = iota
	CommandOpen
	CommandData
	CommandClose
	CommandHandshake
	CommandSelectProto
	CommandDataAck
	CommandAck
	CommandKnock
	CommandLaunch
	CommandHangup
	CommandBroadcast
	CommandRegister
)

var commandNames = [...]string{
	"UNKNOWN", "OPEN", "DATA", "CLOSE", "HANDSHAKE", "SELECTPROTO",
	"DATAACK", "ACK", "KNOCK", "LAUNCH", "HANGUP", "BROADCAST", "REGISTER",
}

// CommandFromWire maps a raw wire value to a Command. The numeric value of an
// unrecognized command is not kept.
func CommandFromWire(v uint16) Command {
	if int(v) < len(commandNames) {
		return Command(v)
	}
	return CommandUnknown
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint16(c))
}

const (
	// HeaderSize is command(2) + src(2) + dest(2) + payloadLength(2).
	HeaderSize = 8
	// MaxPayloadSize is the largest payload the 16-bit length field can carry.
	MaxPayloadSize = 0xFFFF
)

// Packet is one BCL frame. Data is the raw payload; the typed views returned
// by Handshake, SelectProto, DataAck and Knock alias it.
type Packet struct {
	Command Command
	Src     uint16
	Dest    uint16
	Data    []byte
}

// Len is the number of bytes the packet occupies on the wire.
func (p *Packet) Len() int {
	return HeaderSize + len(p.Data)
}

// Equal compares command, ports and payload bytes.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Command == o.Command &&
		p.Src == o.Src &&
		p.Dest == o.Dest &&
		bytes.Equal(p.Data, o.Data)
}

// Kind is the specialized shape of a packet.
type Kind int

const (
	KindGeneric Kind = iota
	KindHandshake
	KindSelectProto
	KindKnock
	KindOpen
	KindClose
	KindData
	KindDataAck
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindSelectProto:
		return "SelectProto"
	case KindKnock:
		return "Knock"
	case KindOpen:
		return "Open"
	case KindClose:
		return "Close"
	case KindData:
		return "Data"
	case KindDataAck:
		return "DataAck"
	}
	return "Generic"
}

// Classify picks the specialized kind from the command and, for HANDSHAKE,
// SELECTPROTO, DATAACK and KNOCK, the payload length. A packet whose payload
// does not match the expected length stays KindGeneric.
func Classify(p *Packet) Kind {
	switch p.Command {
	case CommandHandshake:
		if len(p.Data) == handshakeSize {
			return KindHandshake
		}
	case CommandSelectProto:
		if len(p.Data) == selectProtoSize {
			return KindSelectProto
		}
	case CommandKnock:
		if len(p.Data) > knockMinSize {
			return KindKnock
		}
	case CommandOpen:
		return KindOpen
	case CommandClose:
		return KindClose
	case CommandData:
		return KindData
	case CommandDataAck:
		if len(p.Data) == dataAckSize {
			return KindDataAck
		}
	}
	return KindGeneric
}

// Kind is shorthand for Classify(p).
func (p *Packet) Kind() Kind {
	return Classify(p)
}

func (p *Packet) String() string {
	switch p.Kind() {
	case KindHandshake:
		h, _ := p.Handshake()
		return fmt.Sprintf("Handshake(version=%d, instanceId=%d, bufferSize=0x%x)",
			h.Version(), h.InstanceID(), h.BufferSize())
	case KindSelectProto:
		s, _ := p.SelectProto()
		return fmt.Sprintf("SelectProto(version=%d)", s.Version())
	case KindDataAck:
		a, _ := p.DataAck()
		return fmt.Sprintf("DataAck(count=%d)", a.Count())
	case KindKnock:
		k, err := p.Knock()
		if err != nil {
			return fmt.Sprintf("Knock(malformed, data=%s)", util.HexDump(p.Data))
		}
		return fmt.Sprintf("Knock(appType=%d, serial=%q, btAddr=%q, data=%s)",
			k.AppType, k.Serial, k.BtAddr, util.HexDump(p.Data))
	case KindOpen:
		return fmt.Sprintf("Open(src=%d, dest=%d)", p.Src, p.Dest)
	case KindClose:
		return fmt.Sprintf("Close(src=%d, dest=%d)", p.Src, p.Dest)
	case KindData:
		if len(p.Data) < 32 {
			return fmt.Sprintf("Data(src=%d, dest=%d, data=%v)", p.Src, p.Dest, p.Data)
		}
		return fmt.Sprintf("Data(src=%d, dest=%d, dataLen=%d)", p.Src, p.Dest, len(p.Data))
	}
	if len(p.Data) < 32 {
		return fmt.Sprintf("Packet(%s, src=%d, dest=%d, data=%v)", p.Command, p.Src, p.Dest, p.Data)
	}
	return fmt.Sprintf("Packet(%s, src=%d, dest=%d, dataLen=%d)", p.Command, p.Src, p.Dest, len(p.Data))
}

// NewOpen builds an OPEN for the given port pair.
func NewOpen(src, dest uint16) *Packet {
	return &Packet{Command: CommandOpen, Src: src, Dest: dest, Data: []byte{}}
}

// NewClose builds a CLOSE for the given port pair.
func NewClose(src, dest uint16) *Packet {
	return &Packet{Command: CommandClose, Src: src, Dest: dest, Data: []byte{}}
}

// NewData builds a DATA frame. The payload is not copied.
func NewData(src, dest uint16, data []byte) *Packet {
	return &Packet{Command: CommandData, Src: src, Dest: dest, Data: data}
}

// NewHangup builds the session-ending HANGUP (src=dest=0, empty payload).
func NewHangup() *Packet {
	return &Packet{Command: CommandHangup, Data: []byte{}}
}
