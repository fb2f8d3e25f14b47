// Package chassisctl is the TCP client for per-chassis power/reset
// operations against the chassis switch. The wire record is
// fixed-layout and small enough to hand-encode with encoding/binary
// field offsets.
package chassisctl

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"

	"github.com/clusterctl/boardctl/internal/nlog"
)

// Result classifies the outcome of a chassis operation.
type Result int

const (
	ResultSuccess Result = iota
	ResultPartialSuccess
	ResultInvalidResponse
	ResultNetworkError
	ResultTimeoutError
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultPartialSuccess:
		return "PARTIAL_SUCCESS"
	case ResultInvalidResponse:
		return "INVALID_RESPONSE"
	case ResultNetworkError:
		return "NETWORK_ERROR"
	case ResultTimeoutError:
		return "TIMEOUT_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

const (
	serverPort    = 33000
	flagValue     = "ETHSWB"
	recordSize    = 8 + 16 + 8 + 16 + 4 // flag+ip+cmd+slot+reqId = 52
	slotsPerFrame = 16                  // wire field width; only 12 are meaningful
)

// SlotOutcome is one slot's per-operation result.
type SlotOutcome struct {
	Slot    int // 1..12
	Success bool
}

// Response is the parsed outcome of one chassis operation.
type Response struct {
	Result Result
	Slots  []SlotOutcome
}

func buildRecord(cmd string, slots map[int]bool, reqID uint32) []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:8], flagValue)
	// ip[8:24] is left zeroed: the connection's destination IP already
	// selects the target, so the record does not carry it.
	copy(buf[24:32], cmd)
	for slot := range slots {
		idx := slot - 1
		if idx < 0 || idx >= slotsPerFrame {
			continue
		}
		if slots[slot] {
			buf[32+idx] = 1
		}
	}
	binary.LittleEndian.PutUint32(buf[48:52], reqID)
	return buf
}

// parseResponse tallies outcomes for the requested slots only. Byte
// value 0 is overloaded on the wire between "slot untouched" and "slot
// succeeded", so a slot the caller never asked about carries no
// information — it must not be read as a success.
func parseResponse(resp []byte, requested map[int]bool) (Result, []SlotOutcome) {
	// A response shorter than the full 52-byte record is
	// INVALID_RESPONSE — never silently accepted as SUCCESS.
	if len(resp) < recordSize {
		return ResultInvalidResponse, nil
	}
	successCount, total := 0, 0
	var slots []SlotOutcome
	for idx := 0; idx < 12; idx++ {
		if !requested[idx+1] {
			continue
		}
		total++
		ok := resp[32+idx] == 0
		if ok {
			successCount++
		}
		slots = append(slots, SlotOutcome{Slot: idx + 1, Success: ok})
	}
	switch {
	case total == 0:
		return ResultInvalidResponse, slots
	case successCount == total:
		return ResultSuccess, slots
	case successCount == 0:
		return ResultInvalidResponse, slots
	default:
		return ResultPartialSuccess, slots
	}
}

// Client issues 52-byte request/response operations to a chassis-local
// switch address on port 33000.
type Client struct {
	timeout time.Duration
	reqID   uint32
	log     *nlog.Logger
}

// New constructs a chassis controller client with the given
// per-operation timeout (10s if unset).
func New(timeout time.Duration, log *nlog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{timeout: timeout, log: log.With("chassisctl")}
}

// ResetBoard issues a RESET command for the given slots (1..12) against
// targetIP, returning the per-slot outcome. reqID is echoed by the
// response's request-id field for correlation (not separately validated
// here since the connection itself already identifies the reply).
func (c *Client) ResetBoard(targetIP string, slots map[int]bool, reqID uint32) Response {
	return c.execute("RESET", targetIP, slots, reqID)
}

// PowerOff issues a POWOFF command.
func (c *Client) PowerOff(targetIP string, slots map[int]bool, reqID uint32) Response {
	return c.execute("POWOFF", targetIP, slots, reqID)
}

// PowerOn issues a POWON command.
func (c *Client) PowerOn(targetIP string, slots map[int]bool, reqID uint32) Response {
	return c.execute("POWON", targetIP, slots, reqID)
}

func (c *Client) execute(cmd, targetIP string, slots map[int]bool, reqID uint32) Response {
	addr := fmt.Sprintf("%s:%d", targetIP, serverPort)
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.log.Warnf("%s %s: dial timeout", cmd, addr)
			return Response{Result: ResultTimeoutError}
		}
		c.log.Warnf("%s %s: dial failed: %v", cmd, addr, err)
		return Response{Result: ResultNetworkError}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	_ = conn.SetDeadline(deadline)

	req := buildRecord(cmd, slots, reqID)
	if _, err := conn.Write(req); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Response{Result: ResultTimeoutError}
		}
		c.log.Warnf("%s %s: send failed: %v", cmd, addr, err)
		return Response{Result: ResultNetworkError}
	}

	resp := make([]byte, recordSize)
	n, err := readFull(conn, resp)
	if err != nil && err != io.EOF {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Response{Result: ResultTimeoutError}
		}
		c.log.Warnf("%s %s: recv failed: %v", cmd, addr, err)
		return Response{Result: ResultNetworkError}
	}
	// A peer that closed after writing a short record reaches here with
	// io.EOF and n < recordSize; parseResponse turns that into
	// INVALID_RESPONSE rather than a transport error.
	result, outcomes := parseResponse(resp[:n], slots)
	return Response{Result: result, Slots: outcomes}
}

// readFull reads until buf is full, EOF, or error — a short TCP read is
// not itself a protocol violation (parseResponse validates size).
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SelfcheckBoard pings ipAddress once with a 1-second timeout, returning
// true iff the ping exits zero.
func SelfcheckBoard(ipAddress string) bool {
	if ipAddress == "" {
		return false
	}
	cmd := exec.Command("ping", "-c", "1", "-W", "1", ipAddress)
	return cmd.Run() == nil
}
