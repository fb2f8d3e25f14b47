package dispatch

import (
	"encoding/binary"
	"math"
	"net"
	"time"
)

// TransportHeaderSize is the leading bytes of every multicast frame
// that the dispatch layer doesn't interpret; the opcode sits right
// after it.
const TransportHeaderSize = 22

const (
	// NumChassisProto and SlotsPerChassisProto are the protocol's fixed
	// dimensions (9 chassis x 12 board slots), distinct from the world
	// model's 14-slot domain.SlotsPerChassis — the command protocol only
	// ever reports on slots 1..12.
	NumChassisProto      = 9
	SlotsPerChassisProto = 12
	TasksPerBoardProto   = 8
)

// opcode constants, request side.
const (
	OpResourceMonitor   uint16 = 0xF000
	OpChassisReset      uint16 = 0xF001
	OpChassisSelfCheck  uint16 = 0xF002
	OpTaskStart         uint16 = 0xF003
	OpTaskStop          uint16 = 0xF004
	OpTaskQuery         uint16 = 0xF005
	OpBmcQuery          uint16 = 0xF006
)

// RespOffset maps a request opcode to its response opcode.
const RespOffset uint16 = 0x0100

// opcode constants, response side: request opcode + RespOffset.
const (
	RespResourceMonitor  uint16 = 0xF100
	RespChassisReset     uint16 = 0xF101
	RespChassisSelfCheck uint16 = 0xF102
	RespTaskStart        uint16 = 0xF103
	RespTaskStop         uint16 = 0xF104
	RespTaskQuery        uint16 = 0xF105
	RespBmcQuery         uint16 = 0xF106
	RespFaultReport      uint16 = 0xF107
)

// Opcodes is the per-deployment request-opcode assignment; every value
// is overridable via the /udp/commands/* config keys. FaultReport is
// the one response-side member — it has no request counterpart.
type Opcodes struct {
	ResourceMonitor  uint16
	ChassisReset     uint16
	ChassisSelfCheck uint16
	TaskStart        uint16
	TaskStop         uint16
	TaskQuery        uint16
	BmcQuery         uint16
	FaultReport      uint16
}

// DefaultOpcodes returns the stock opcode assignment.
func DefaultOpcodes() Opcodes {
	return Opcodes{
		ResourceMonitor:  OpResourceMonitor,
		ChassisReset:     OpChassisReset,
		ChassisSelfCheck: OpChassisSelfCheck,
		TaskStart:        OpTaskStart,
		TaskStop:         OpTaskStop,
		TaskQuery:        OpTaskQuery,
		BmcQuery:         OpBmcQuery,
		FaultReport:      RespFaultReport,
	}
}

// ipv4HostOrder returns the IP's numeric value, later serialized
// little-endian like every other scalar in this protocol. Used for
// header local/target IP and for TaskQuery's boardIp field.
// TODO: confirm with the front-end controller whether boardIp is
// expected in network byte order instead.
func ipv4HostOrder(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// BuildHeader constructs the 22-byte response header common to every
// outgoing frame: total length, local and target IP, milliseconds
// since local midnight, and the fixed 0x01/0xB2/0xFFFF markers.
func BuildHeader(totalLength uint16, localIP, targetIP net.IP, now time.Time) []byte {
	h := make([]byte, TransportHeaderSize)
	binary.LittleEndian.PutUint16(h[0:2], totalLength)
	// bytes 2-3 stay zero.
	binary.LittleEndian.PutUint32(h[4:8], ipv4HostOrder(localIP))
	binary.LittleEndian.PutUint32(h[8:12], ipv4HostOrder(targetIP))
	binary.LittleEndian.PutUint32(h[12:16], uint32(millisSinceLocalMidnight(now)))
	h[16] = 0x01
	h[17] = 0xB2
	binary.LittleEndian.PutUint16(h[18:20], totalLength-16)
	binary.LittleEndian.PutUint16(h[20:22], 0xFFFF)
	return h
}

func millisSinceLocalMidnight(now time.Time) int64 {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return now.Sub(midnight).Milliseconds()
}

// parseOpcode reads the little-endian opcode at bytes 22-23 of a raw
// datagram. ok is false if the datagram is too short to carry one.
func parseOpcode(raw []byte) (opcode uint16, body []byte, ok bool) {
	if len(raw) < TransportHeaderSize+2 {
		return 0, nil, false
	}
	opcode = binary.LittleEndian.Uint16(raw[TransportHeaderSize : TransportHeaderSize+2])
	body = raw[TransportHeaderSize+2:]
	return opcode, body, true
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func putLE16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func putFloat32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func getFloat32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

// padString copies s into buf (NUL-padded/truncated to len(buf)).
func padString(buf []byte, s string) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, s)
}
