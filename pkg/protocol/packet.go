package protocol

import (
	"fmt"
	"strings"
)

// PacketType identifies the command carried by a packet. Values are stable
// on the wire and grouped into numeric ranges by category.
type PacketType uint8

const (
	// System
	NOOP       PacketType = 0x00
	INIT       PacketType = 0x01
	AUTH       PacketType = 0x02
	OK         PacketType = 0x03
	ERROR      PacketType = 0x04
	STATUS     PacketType = 0x05
	SHUTDOWN   PacketType = 0x06
	PING       PacketType = 0x07
	PONG       PacketType = 0x08
	PEERINFO   PacketType = 0x09
	PEERSTATUS PacketType = 0x0A

	// Execution
	DELAY    PacketType = 0x10
	SCHEDULE PacketType = 0x11
	EXEC     PacketType = 0x12
	CANCEL   PacketType = 0x13

	// Signalling
	SUBSCRIBE   PacketType = 0x20
	UNSUBSCRIBE PacketType = 0x21
	TRIGGER     PacketType = 0x22
	EVENT       PacketType = 0x23

	// Service
	ENABLE  PacketType = 0x30
	DISABLE PacketType = 0x31
	SERVICE PacketType = 0x32
	SPAWN   PacketType = 0x33
	KILL    PacketType = 0x34
	SIGNAL  PacketType = 0x35

	// Storage
	KVGET     PacketType = 0x40
	KVSET     PacketType = 0x41
	KVHAS     PacketType = 0x42
	KVDEL     PacketType = 0x43
	KVLIST    PacketType = 0x44
	KVCLEAR   PacketType = 0x45
	KVPULL    PacketType = 0x46
	KVPUSH    PacketType = 0x47
	KVPOP     PacketType = 0x48
	KVSHIFT   PacketType = 0x49
	KVUNSHIFT PacketType = 0x50
	KVCOUNT   PacketType = 0x51
	KVINCR    PacketType = 0x52
	KVDECR    PacketType = 0x53
	KVKEYS    PacketType = 0x54
	KVVALS    PacketType = 0x55

	// Logging
	LOG   PacketType = 0x90
	DEBUG PacketType = 0x91
)

var packetNames = map[PacketType]string{
	NOOP:        "NOOP",
	INIT:        "INIT",
	AUTH:        "AUTH",
	OK:          "OK",
	ERROR:       "ERROR",
	STATUS:      "STATUS",
	SHUTDOWN:    "SHUTDOWN",
	PING:        "PING",
	PONG:        "PONG",
	PEERINFO:    "PEERINFO",
	PEERSTATUS:  "PEERSTATUS",
	DELAY:       "DELAY",
	SCHEDULE:    "SCHEDULE",
	EXEC:        "EXEC",
	CANCEL:      "CANCEL",
	SUBSCRIBE:   "SUBSCRIBE",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	TRIGGER:     "TRIGGER",
	EVENT:       "EVENT",
	ENABLE:      "ENABLE",
	DISABLE:     "DISABLE",
	SERVICE:     "SERVICE",
	SPAWN:       "SPAWN",
	KILL:        "KILL",
	SIGNAL:      "SIGNAL",
	KVGET:       "KVGET",
	KVSET:       "KVSET",
	KVHAS:       "KVHAS",
	KVDEL:       "KVDEL",
	KVLIST:      "KVLIST",
	KVCLEAR:     "KVCLEAR",
	KVPULL:      "KVPULL",
	KVPUSH:      "KVPUSH",
	KVPOP:       "KVPOP",
	KVSHIFT:     "KVSHIFT",
	KVUNSHIFT:   "KVUNSHIFT",
	KVCOUNT:     "KVCOUNT",
	KVINCR:      "KVINCR",
	KVDECR:      "KVDECR",
	KVKEYS:      "KVKEYS",
	KVVALS:      "KVVALS",
	LOG:         "LOG",
	DEBUG:       "DEBUG",
}

var packetTypes = func() map[string]PacketType {
	m := make(map[string]PacketType, len(packetNames))
	for t, name := range packetNames {
		m[name] = t
	}
	return m
}()

// String returns the wire name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(0x%02X)", uint8(t))
}

// Known reports whether t is one of the defined packet types.
func (t PacketType) Known() bool {
	_, ok := packetNames[t]
	return ok
}

// ParsePacketType resolves a packet type from its name, case-insensitively.
func ParsePacketType(name string) (PacketType, error) {
	t, ok := packetTypes[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return NOOP, fmt.Errorf("unknown packet type: %s", name)
	}
	return t, nil
}

// Category groups packet types by the high nibble of their wire value.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryExecution  Category = "execution"
	CategorySignalling Category = "signalling"
	CategoryService    Category = "service"
	CategoryStorage    Category = "storage"
	CategoryLogging    Category = "logging"
	CategoryUnknown    Category = "unknown"
)

// Category returns the category of the packet type.
func (t PacketType) Category() Category {
	switch uint8(t) >> 4 {
	case 0x0:
		return CategorySystem
	case 0x1:
		return CategoryExecution
	case 0x2:
		return CategorySignalling
	case 0x3:
		return CategoryService
	case 0x4, 0x5:
		return CategoryStorage
	case 0x9:
		return CategoryLogging
	default:
		return CategoryUnknown
	}
}
