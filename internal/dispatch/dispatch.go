// Package dispatch implements the binary UDP multicast command
// protocol: a listen group for requests, a respond group for replies,
// a table mapping each opcode to its minimum body size and handler,
// and the fault-report sink the alert ingestor depends on.
//
// Every response begins with the 22-byte header from frame.go. Scalars
// within command-protocol bodies are little-endian throughout — this
// is the one multicast protocol in the system that is NOT network byte
// order; contrast internal/ha.
package dispatch

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/clusterctl/boardctl/internal/chassisctl"
	"github.com/clusterctl/boardctl/internal/domain"
	"github.com/clusterctl/boardctl/internal/metrics"
	"github.com/clusterctl/boardctl/internal/nlog"
	"github.com/clusterctl/boardctl/internal/platform"
)

// ChassisReader is the read-only slice of *repo.ChassisRepository the
// dispatcher needs.
type ChassisReader interface {
	FindByNumber(number int) (*domain.Chassis, bool)
	GetAll() []*domain.Chassis
}

// StackReader is the read-only slice of *repo.StackRepository the
// dispatcher needs.
type StackReader interface {
	GetTaskResources(taskID string) (domain.ResourceUsage, bool)
}

// PlatformAPI is the subset of *platform.Client the dispatcher drives
// for TaskStart/TaskStop.
type PlatformAPI interface {
	DeployStacks(ctx context.Context, labels []string, account, password string, stop int) platform.DeployResultDTO
	UndeployStacks(ctx context.Context, labels []string) platform.DeployResultDTO
	ResetStacks(ctx context.Context) bool
}

// ChassisController is the subset of *chassisctl.Client the dispatcher
// drives for ChassisReset.
type ChassisController interface {
	ResetBoard(targetIP string, slots map[int]bool, reqID uint32) chassisctl.Response
}

// RoleProvider reports whether this node currently answers command
// requests; satisfied by *ha.Arbiter.
type RoleProvider interface {
	IsPrimary() bool
}

// Config bundles the dispatcher's per-deployment knobs.
type Config struct {
	ListenGroup  string // e.g. "234.186.1.98"
	RespondGroup string // e.g. "234.186.1.99"
	Port         int    // e.g. 0x100A
	AlertHost    string // /alert_server/host, reused for header local IP
	Account      string
	Password     string
	DialTimeout  time.Duration
	Opcodes      Opcodes // zero value means DefaultOpcodes()
}

// Dispatcher is the UDP multicast command dispatcher.
type Dispatcher struct {
	cfg        Config
	chassis    ChassisReader
	stacks     StackReader
	platform   PlatformAPI
	chassisctl ChassisController
	selfCheck  func(ip string) bool
	role       RoleProvider
	label      *labelState
	ops        Opcodes
	metrics    *metrics.Registry
	log        *nlog.Logger
	now        func() time.Time

	listenConn *net.UDPConn
	sendConn   *net.UDPConn
	localIP    net.IP
	targetIP   net.IP

	table map[uint16]opcodeHandler

	stop chan struct{}
	done chan struct{}
}

type opcodeHandler struct {
	minBodySize int
	handle      func(d *Dispatcher, reqID uint32, body []byte) []byte // nil reply means "drop"
}

// New constructs a Dispatcher and joins its two multicast sockets. A
// join/bind failure degrades to a no-op dispatcher.
func New(cfg Config, chassis ChassisReader, stacks StackReader, api PlatformAPI,
	ctl ChassisController, selfCheck func(string) bool, role RoleProvider,
	mr *metrics.Registry, log *nlog.Logger,
) *Dispatcher {
	log = log.With("dispatch")
	d := &Dispatcher{
		cfg: cfg, chassis: chassis, stacks: stacks, platform: api, chassisctl: ctl,
		selfCheck: selfCheck, role: role, label: &labelState{}, metrics: mr, log: log,
		now: time.Now, stop: make(chan struct{}), done: make(chan struct{}),
	}
	d.ops = cfg.Opcodes
	if (d.ops == Opcodes{}) {
		d.ops = DefaultOpcodes()
	}
	d.table = map[uint16]opcodeHandler{
		d.ops.ResourceMonitor:  {4, (*Dispatcher).handleResourceMonitor},
		d.ops.ChassisReset:     {4 + 108, (*Dispatcher).handleChassisReset},
		d.ops.ChassisSelfCheck: {4 + 2 + 12, (*Dispatcher).handleChassisSelfCheck},
		d.ops.TaskStart:        {4 + 2 + 2, (*Dispatcher).handleTaskStart},
		d.ops.TaskStop:         {4, (*Dispatcher).handleTaskStop},
		d.ops.TaskQuery:        {4 + 2 + 2 + 2, (*Dispatcher).handleTaskQuery},
		d.ops.BmcQuery:         {4, (*Dispatcher).handleBmcQuery},
	}

	d.localIP = resolveLocalIP(cfg.AlertHost)
	d.targetIP = net.ParseIP(cfg.RespondGroup)

	listenAddr := &net.UDPAddr{IP: net.ParseIP(cfg.ListenGroup), Port: cfg.Port}
	conn, err := net.ListenMulticastUDP("udp4", nil, listenAddr)
	if err != nil {
		log.Errorf("join listen group %s:%d failed: %v — running degraded (no-op)", cfg.ListenGroup, cfg.Port, err)
	} else {
		d.listenConn = conn
	}

	respAddr := &net.UDPAddr{IP: net.ParseIP(cfg.RespondGroup), Port: cfg.Port}
	sendConn, err := net.DialUDP("udp4", nil, respAddr)
	if err != nil {
		log.Errorf("dial respond group %s:%d failed: %v — responses disabled", cfg.RespondGroup, cfg.Port, err)
	} else {
		d.sendConn = sendConn
	}
	return d
}

// resolveLocalIP picks the header's local IP: the configured alert
// host if it's a concrete address, else the first non-loopback IPv4
// interface address.
func resolveLocalIP(configured string) net.IP {
	if configured != "" && configured != "0.0.0.0" {
		if ip := net.ParseIP(configured); ip != nil {
			return ip
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return net.IPv4zero
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4
		}
	}
	return net.IPv4zero
}

// Run blocks receiving and answering requests until Stop is called.
func (d *Dispatcher) Run() {
	defer close(d.done)
	if d.listenConn == nil {
		<-d.stop
		return
	}
	buf := make([]byte, 4096)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		_ = d.listenConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := d.listenConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			d.log.Warnf("recv error: %v", err)
			continue
		}
		d.handleDatagram(append([]byte(nil), buf[:n]...))
	}
}

// Stop requests the receive loop exit and blocks until it has.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
	if d.listenConn != nil {
		_ = d.listenConn.Close()
	}
	if d.sendConn != nil {
		_ = d.sendConn.Close()
	}
}

func (d *Dispatcher) handleDatagram(raw []byte) {
	opcode, body, ok := parseOpcode(raw)
	if !ok {
		return
	}
	spec, known := d.table[opcode]
	if !known {
		d.log.Debugf("unknown opcode 0x%04X, ignored", opcode)
		return
	}
	// Role gating: receive unconditionally, but drop before handling
	// any request if this node isn't Primary.
	if d.role != nil && !d.role.IsPrimary() {
		d.log.Debugf("opcode 0x%04X dropped: not primary", opcode)
		return
	}
	if len(body) < spec.minBodySize {
		d.log.Warnf("opcode 0x%04X body too short (%d < %d), dropped", opcode, len(body), spec.minBodySize)
		return
	}
	reqID := le32(body[0:4])
	if d.metrics != nil {
		d.metrics.DispatchRequests.WithLabelValues(strconv.FormatUint(uint64(opcode), 16)).Inc()
	}
	reply := spec.handle(d, reqID, body)
	if reply == nil {
		return
	}
	d.send(reply)
}

func (d *Dispatcher) send(frame []byte) {
	if d.sendConn == nil {
		return
	}
	if _, err := d.sendConn.Write(frame); err != nil {
		d.log.Warnf("send failed: %v", err)
	}
}

// buildFrame lays out header + command opcode + responseId + payload.
func (d *Dispatcher) buildFrame(respOpcode uint16, responseID uint32, payload []byte) []byte {
	total := TransportHeaderSize + 2 + 4 + len(payload)
	buf := make([]byte, total)
	copy(buf[0:TransportHeaderSize], BuildHeader(uint16(total), d.localIP, d.targetIP, d.now()))
	putLE16(buf[TransportHeaderSize:TransportHeaderSize+2], respOpcode)
	putLE32(buf[TransportHeaderSize+2:TransportHeaderSize+6], responseID)
	copy(buf[TransportHeaderSize+6:], payload)
	return buf
}

// --- F000 ResourceMonitor ---

func (d *Dispatcher) handleResourceMonitor(reqID uint32, _ []byte) []byte {
	payload := make([]byte, SlotsPerChassisProto*NumChassisProto+SlotsPerChassisProto*NumChassisProto*TasksPerBoardProto)
	boardStatus := payload[:SlotsPerChassisProto*NumChassisProto]
	taskStatus := payload[SlotsPerChassisProto*NumChassisProto:]
	for i := range boardStatus {
		boardStatus[i] = 2 // Unknown/missing defaults to 2 (Offline-equivalent)
	}
	for i := range taskStatus {
		taskStatus[i] = 2 // no task
	}
	for chassisNum := 1; chassisNum <= NumChassisProto; chassisNum++ {
		ch, ok := d.chassis.FindByNumber(chassisNum)
		if !ok {
			continue
		}
		for slot := 1; slot <= SlotsPerChassisProto; slot++ {
			b, err := ch.BoardBySlot(slot)
			if err != nil {
				continue
			}
			idx := (chassisNum-1)*SlotsPerChassisProto + (slot - 1)
			boardStatus[idx] = boardStatusByte(b.Status)
			for t := 0; t < TasksPerBoardProto; t++ {
				tIdx := idx*TasksPerBoardProto + t
				if t >= len(b.Tasks) {
					taskStatus[tIdx] = 2
					continue
				}
				if b.Tasks[t].TaskStatus == domain.TaskStatusRunning {
					taskStatus[tIdx] = 0
				} else {
					taskStatus[tIdx] = 1
				}
			}
		}
	}
	return d.buildFrame(d.ops.ResourceMonitor+RespOffset, reqID, payload)
}

func boardStatusByte(s domain.BoardStatus) byte {
	switch s {
	case domain.BoardStatusNormal:
		return 0
	case domain.BoardStatusAbnormal:
		return 1
	case domain.BoardStatusOffline:
		return 2
	default:
		return 2 // Unknown
	}
}

// --- F005 TaskQuery ---

func (d *Dispatcher) handleTaskQuery(reqID uint32, body []byte) []byte {
	chassisNum := int(le16(body[4:6]))
	boardNum := int(le16(body[6:8]))
	taskIndex := int(le16(body[8:10]))

	payload := make([]byte, 2+4+2+4+2+4)
	fail := func() []byte {
		putLE16(payload[0:2], 1) // taskStatus=1, rest stays zeroed
		return d.buildFrame(d.ops.TaskQuery+RespOffset, reqID, payload)
	}

	if taskIndex < 1 {
		return fail()
	}
	ch, ok := d.chassis.FindByNumber(chassisNum)
	if !ok {
		return fail()
	}
	b, err := ch.BoardBySlot(boardNum)
	if err != nil {
		return fail()
	}
	if taskIndex > len(b.Tasks) {
		return fail()
	}
	t := b.Tasks[taskIndex-1]

	taskStatus := uint16(1)
	if t.TaskStatus == domain.TaskStatusRunning {
		taskStatus = 0
	}
	putLE16(payload[0:2], taskStatus)
	putLE32(payload[2:6], taskIDNumeric(t.TaskID))
	putLE16(payload[6:8], uint16(LabelToWorkMode(d.label.get())))
	putLE32(payload[8:12], ipv4HostOrder(net.ParseIP(b.Address)))

	ru, _ := d.stacks.GetTaskResources(t.TaskID)
	cpu := ru.CPUUsage
	var cpuMilli uint16
	if cpu > 1 {
		cpuMilli = 1000
	} else {
		cpuMilli = uint16(cpu * 1000)
	}
	putLE16(payload[12:14], cpuMilli)
	mem := ru.MemoryUsage
	if mem > 1 {
		mem = 1.0
	}
	putFloat32(payload[14:18], mem)
	return d.buildFrame(d.ops.TaskQuery+RespOffset, reqID, payload)
}

// taskIDNumeric parses taskID as a base-10 integer; non-numeric IDs
// fall back to an xxhash checksum so the field is still stable and
// non-zero.
func taskIDNumeric(taskID string) uint32 {
	if n, err := strconv.ParseUint(taskID, 10, 32); err == nil {
		return uint32(n)
	}
	return xxhash.ChecksumString32(taskID)
}

// --- F003 TaskStart ---

func (d *Dispatcher) handleTaskStart(reqID uint32, body []byte) []byte {
	workMode := int(le16(body[4:6]))
	startStrategy := le16(body[6:8])
	if startStrategy != 0 {
		d.log.Debugf("task start reqId=%d dropped: startStrategy=%d", reqID, startStrategy)
		return nil
	}
	label := WorkModeToLabel(workMode)
	result := d.platform.DeployStacks(context.Background(), []string{label}, d.cfg.Account, d.cfg.Password, 1)

	payload := make([]byte, 2+64)
	if len(result.FailureStackInfos) == 0 && len(result.SuccessStackInfos) > 0 {
		d.label.set(label)
		putLE16(payload[0:2], 0)
		padString(payload[2:], "任务启动成功")
	} else {
		putLE16(payload[0:2], 1)
		msg := "任务启动失败"
		if len(result.FailureStackInfos) > 0 {
			msg += ": " + result.FailureStackInfos[0].Message
		}
		padString(payload[2:], msg)
	}
	return d.buildFrame(d.ops.TaskStart+RespOffset, reqID, payload)
}

// --- F004 TaskStop ---

func (d *Dispatcher) handleTaskStop(reqID uint32, _ []byte) []byte {
	label := d.label.get()
	payload := make([]byte, 2+64)
	if label == "" {
		ok := d.platform.ResetStacks(context.Background())
		if ok {
			putLE16(payload[0:2], 0)
			padString(payload[2:], "无运行中任务，已执行复位")
		} else {
			putLE16(payload[0:2], 1)
			padString(payload[2:], "复位失败")
		}
		return d.buildFrame(d.ops.TaskStop+RespOffset, reqID, payload)
	}
	result := d.platform.UndeployStacks(context.Background(), []string{label})
	if len(result.FailureStackInfos) == 0 {
		d.label.clearIfEqual(label)
		putLE16(payload[0:2], 0)
		padString(payload[2:], "任务停止成功")
	} else {
		putLE16(payload[0:2], 1)
		padString(payload[2:], "任务停止失败: "+result.FailureStackInfos[0].Message)
	}
	return d.buildFrame(d.ops.TaskStop+RespOffset, reqID, payload)
}

// --- F001 ChassisReset ---

func (d *Dispatcher) handleChassisReset(reqID uint32, body []byte) []byte {
	flags := body[4 : 4+NumChassisProto*SlotsPerChassisProto]
	results := make([]byte, NumChassisProto*SlotsPerChassisProto)
	for i := range results {
		results[i] = 1 // default: not requested / failed
	}
	for chassisIdx := 0; chassisIdx < NumChassisProto; chassisIdx++ {
		slots := make(map[int]bool)
		for slotIdx := 0; slotIdx < SlotsPerChassisProto; slotIdx++ {
			if flags[chassisIdx*SlotsPerChassisProto+slotIdx] == 1 {
				slots[slotIdx+1] = true
			}
		}
		if len(slots) == 0 {
			continue
		}
		chassisNum := chassisIdx + 1
		ip := d.chassisIP(chassisNum)
		resp := d.chassisctl.ResetBoard(ip, slots, reqID)
		for _, so := range resp.Slots {
			// Only requested slots may report success; anything else in
			// the response carries no information and stays failed.
			if so.Success && slots[so.Slot] {
				results[chassisIdx*SlotsPerChassisProto+(so.Slot-1)] = 0
			}
		}
	}
	return d.buildFrame(d.ops.ChassisReset+RespOffset, reqID, results)
}

// chassisIP derives the reset target: the address of the chassis's
// EthernetSwitch board, falling back to the deterministic switch
// address formula.
func (d *Dispatcher) chassisIP(chassisNum int) string {
	if ch, ok := d.chassis.FindByNumber(chassisNum); ok {
		boards := ch.AllBoards()
		for i := range boards {
			if boards[i].Type == domain.BoardTypeEthernetSwitch && boards[i].Address != "" {
				return boards[i].Address
			}
		}
	}
	return "192.168." + strconv.Itoa(chassisNum*2) + ".180"
}

// --- F002 ChassisSelfCheck ---

func (d *Dispatcher) handleChassisSelfCheck(reqID uint32, body []byte) []byte {
	chassisNum := int(le16(body[4:6]))
	checkFlags := body[6 : 6+SlotsPerChassisProto]

	payload := make([]byte, 2+SlotsPerChassisProto)
	putLE16(payload[0:2], uint16(chassisNum))
	results := payload[2:]
	for i := range results {
		results[i] = 1
	}
	ch, ok := d.chassis.FindByNumber(chassisNum)
	if !ok {
		return d.buildFrame(d.ops.ChassisSelfCheck+RespOffset, reqID, payload)
	}
	for slot := 0; slot < SlotsPerChassisProto; slot++ {
		if checkFlags[slot] != 0 {
			continue // 0 means "please check"; anything else means skip
		}
		b, err := ch.BoardBySlot(slot + 1)
		if err != nil || b.Address == "" {
			continue
		}
		if d.selfCheck != nil && d.selfCheck(b.Address) {
			results[slot] = 0
		}
	}
	return d.buildFrame(d.ops.ChassisSelfCheck+RespOffset, reqID, payload)
}

// --- F006 BmcQuery ---

func (d *Dispatcher) handleBmcQuery(reqID uint32, _ []byte) []byte {
	n := NumChassisProto * SlotsPerChassisProto
	payload := make([]byte, n*4*3)
	temp := payload[0 : n*4]
	volt := payload[n*4 : n*4*2]
	cur := payload[n*4*2 : n*4*3]
	for chassisNum := 1; chassisNum <= NumChassisProto; chassisNum++ {
		ch, ok := d.chassis.FindByNumber(chassisNum)
		if !ok {
			continue
		}
		for slot := 1; slot <= SlotsPerChassisProto; slot++ {
			b, err := ch.BoardBySlot(slot)
			if err != nil {
				continue
			}
			idx := (chassisNum-1)*SlotsPerChassisProto + (slot - 1)
			putFloat32(temp[idx*4:idx*4+4], b.Temp)
			putFloat32(volt[idx*4:idx*4+4], b.PrimaryVoltage())
			putFloat32(cur[idx*4:idx*4+4], b.PrimaryCurrent())
		}
	}
	return d.buildFrame(d.ops.BmcQuery+RespOffset, reqID, payload)
}

// --- F107 unsolicited fault report ---

// SendFaultReport implements internal/alert.FaultSink: emitted
// regardless of HA role — fault reports reflect local observations,
// not command responses.
func (d *Dispatcher) SendFaultReport(problemCode uint16, description string) {
	const maxDesc = 256
	descBytes := []byte(description)
	if len(descBytes) >= maxDesc {
		d.log.Warnf("fault description truncated from %d to %d bytes", len(descBytes), maxDesc-1)
		descBytes = descBytes[:maxDesc-1]
	}
	payload := make([]byte, 2+maxDesc)
	putLE16(payload[0:2], problemCode)
	copy(payload[2:], descBytes)
	frame := d.buildFrame(d.ops.FaultReport, 0, payload)
	d.send(frame)
}
