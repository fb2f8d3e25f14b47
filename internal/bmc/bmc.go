// Package bmc implements the UDP multicast receiver for hardware-presence
// telemetry. Frames are fixed-layout, ~1.6KB, validated by
// magic/type/trailer/length before any field is trusted; anything that
// fails validation is dropped with a warning. The only
// state this component mutates is presence-derived Offline status.
package bmc

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/clusterctl/boardctl/internal/nlog"
)

const (
	headMagic    = 0x5AA5
	tailMagic    = 0xA55A
	msgTypeBoard = 0x0002

	numFans     = 6
	numPowerBds = 2
	numSlotBds  = 10
	numSensors  = 8

	sensorSize   = 12 // sensorseq,sensortype,sensorname[6],lo,hi,almtype,resv
	powerBdSize  = 1 + 2 + 2 + 8 + 8 + 8 + 1 + 1 + numSensors*sensorSize + 1
	slotBdSize   = 1 + 2 + 1 + 2 + 8 + 8 + 8 + 1 + 1 + numSensors*sensorSize + 2
	fanSize      = 1 + 1 + 4
	headerSize   = 2 + 2 + 2 + 2 + 4 + 2 + 2 + 1 + 1
	frameSize    = headerSize + numFans*fanSize + numPowerBds*powerBdSize + numSlotBds*slotBdSize + 2
)

// slotOrder is the physical slot number carried by each of the 10
// load-slot entries in frame order: 1,2,3,4,6,7,9,10,11,12 — the
// protocol skips slots 5,8,13,14 (power/special slots carried in the
// dedicated power-board entries instead).
var slotOrder = [numSlotBds]int{1, 2, 3, 4, 6, 7, 9, 10, 11, 12}

// Frame is the decoded BMC presence report for one chassis.
type Frame struct {
	BoxID    int
	Presence map[int]bool // slot -> present
}

// decode validates and parses a raw BMC datagram.
// Returns (frame, true) on success; (zero, false) + logs a warning on
// any validation failure.
func decode(buf []byte, log *nlog.Logger) (Frame, bool) {
	if len(buf) < frameSize {
		log.Warnf("bmc: short frame %d bytes, want %d", len(buf), frameSize)
		return Frame{}, false
	}
	le := binary.LittleEndian
	head := le.Uint16(buf[0:2])
	msglen := le.Uint16(buf[2:4])
	msgtype := le.Uint16(buf[6:8])
	tail := le.Uint16(buf[frameSize-2 : frameSize])
	if head != headMagic {
		log.Warnf("bmc: bad magic 0x%04X", head)
		return Frame{}, false
	}
	if tail != tailMagic {
		log.Warnf("bmc: bad trailer 0x%04X", tail)
		return Frame{}, false
	}
	if msgtype != msgTypeBoard {
		log.Warnf("bmc: unexpected msgtype 0x%04X", msgtype)
		return Frame{}, false
	}
	if int(msglen) != frameSize {
		log.Warnf("bmc: declared length %d != actual frame size %d", msglen, frameSize)
		return Frame{}, false
	}

	boxid := int(buf[headerSize-1])
	presence := make(map[int]bool, numSlotBds)

	slotBase := headerSize + numFans*fanSize + numPowerBds*powerBdSize
	for i := 0; i < numSlotBds; i++ {
		off := slotBase + i*slotBdSize
		prst := buf[off+3] // ipmbaddr(1)+moduletype(2) precede prst
		presence[slotOrder[i]] = prst == 1
	}
	return Frame{BoxID: boxid, Presence: presence}, true
}

// ChassisUpdater is the subset of *repo.ChassisRepository the receiver
// needs; narrowed so tests can substitute a fake.
type ChassisUpdater interface {
	UpdateAllBoardsStatus(chassisNumber int, presence map[int]bool, now time.Time) bool
}

// Receiver joins the BMC multicast group and applies presence frames to
// the chassis repository.
type Receiver struct {
	conn    *net.UDPConn
	chassis ChassisUpdater
	log     *nlog.Logger
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New joins multicastGroup:port. A join failure is logged and the
// receiver runs in degraded no-op mode.
func New(multicastGroup string, port int, chassis ChassisUpdater, log *nlog.Logger) *Receiver {
	log = log.With("bmc")
	addr := &net.UDPAddr{IP: net.ParseIP(multicastGroup), Port: port}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		log.Errorf("join multicast %s:%d failed: %v — running degraded (no-op)", multicastGroup, port, err)
		conn = nil
	} else {
		_ = conn.SetReadBuffer(1 << 20)
	}
	return &Receiver{conn: conn, chassis: chassis, log: log, now: time.Now, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks receiving frames until Stop is called. A 1-second read
// deadline bounds the stop-flag check.
func (r *Receiver) Run() {
	defer close(r.done)
	if r.conn == nil {
		<-r.stop
		return
	}
	buf := make([]byte, 4096)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			r.log.Warnf("recv error: %v", err)
			continue
		}
		frame, ok := decode(buf[:n], r.log)
		if !ok {
			continue
		}
		if !r.chassis.UpdateAllBoardsStatus(frame.BoxID, frame.Presence, r.now()) {
			r.log.Warnf("presence frame for unknown chassis %d", frame.BoxID)
		}
	}
}

// Stop requests the receive loop exit and blocks until it has.
func (r *Receiver) Stop() {
	close(r.stop)
	<-r.done
	if r.conn != nil {
		_ = r.conn.Close()
	}
}
