// Package ha implements the 2-node primary/standby election: a
// dedicated multicast group distinct from the command dispatcher's, a
// receiver loop that's always on, and a heartbeat emitter that runs
// only while this node is Primary. Scalars on the wire are network
// byte order (big-endian) — the opposite convention from
// internal/dispatch's command protocol.
package ha

import (
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clusterctl/boardctl/internal/metrics"
	"github.com/clusterctl/boardctl/internal/nlog"
)

// Role is the node's HA role; transitions are monotonic through
// {Unknown -> Primary|Standby} and require an explicit trigger
// thereafter (heartbeat timeout, or a higher-priority peer observed).
type Role int32

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleStandby
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleStandby:
		return "Standby"
	default:
		return "Unknown"
	}
}

const (
	wireMagic = 0xBEA7

	msgTypeElectionAnnounce = 1
	msgTypeHeartbeat        = 2
	msgTypeRoleDeclare      = 3

	nodeIDSize = 32
	// wireSize is 52 bytes: magic(2)+msgType(1)+role(1)+priority(4)+
	// sequence(4)+timestamp(8)+nodeId(32), the packed layout both peers
	// agree on.
	wireSize = 2 + 1 + 1 + 4 + 4 + 8 + nodeIDSize
)

type message struct {
	MsgType   uint8
	Role      Role
	Priority  int32
	Sequence  uint32
	Timestamp uint64
	NodeID    string
}

func encode(m message) []byte {
	buf := make([]byte, wireSize)
	be := binary.BigEndian
	be.PutUint16(buf[0:2], wireMagic)
	buf[2] = m.MsgType
	buf[3] = byte(m.Role)
	be.PutUint32(buf[4:8], uint32(m.Priority))
	be.PutUint32(buf[8:12], m.Sequence)
	be.PutUint64(buf[12:20], m.Timestamp)
	copy(buf[20:20+nodeIDSize], m.NodeID)
	return buf
}

func decode(buf []byte) (message, bool) {
	if len(buf) < wireSize {
		return message{}, false
	}
	be := binary.BigEndian
	if be.Uint16(buf[0:2]) != wireMagic {
		return message{}, false
	}
	nodeIDRaw := buf[20 : 20+nodeIDSize]
	end := 0
	for end < len(nodeIDRaw) && nodeIDRaw[end] != 0 {
		end++
	}
	return message{
		MsgType:   buf[2],
		Role:      Role(buf[3]),
		Priority:  int32(be.Uint32(buf[4:8])),
		Sequence:  be.Uint32(buf[8:12]),
		Timestamp: be.Uint64(buf[12:20]),
		NodeID:    string(nodeIDRaw[:end]),
	}, true
}

// Config bundles the HA arbiter's per-deployment knobs.
type Config struct {
	MulticastGroup    string
	Port              int
	Priority          int32
	HeartbeatInterval time.Duration // default 3s
	TimeoutThreshold  time.Duration // default 9s
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = 9 * time.Second
	}
	return c
}

// RoleChangeCallback is invoked on every role transition with
// (oldRole, newRole).
type RoleChangeCallback func(old, new Role)

// Arbiter runs the election state machine.
type Arbiter struct {
	cfg      Config
	nodeID   string
	callback RoleChangeCallback
	metrics  *metrics.Registry
	log      *nlog.Logger
	now      func() time.Time

	role     atomic.Int32
	sequence atomic.Uint32

	mu              sync.Mutex
	lastPrimaryHB   time.Time
	hbEmitterActive bool

	conn     *net.UDPConn
	respAddr *net.UDPAddr

	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}
}

// New constructs an Arbiter. nodeID auto-discovers as the first
// non-loopback IPv4 address unless overridden.
func New(cfg Config, nodeID string, callback RoleChangeCallback, mr *metrics.Registry, log *nlog.Logger) *Arbiter {
	cfg = cfg.withDefaults()
	if nodeID == "" {
		nodeID = firstNonLoopbackIPv4()
	}
	a := &Arbiter{
		cfg: cfg, nodeID: nodeID, callback: callback, metrics: mr,
		log: log.With("ha"), now: time.Now, stop: make(chan struct{}), done: make(chan struct{}),
	}
	return a
}

func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "0.0.0.0"
}

// Role returns the current role (atomic read).
func (a *Arbiter) Role() Role { return Role(a.role.Load()) }

// IsPrimary satisfies internal/dispatch.RoleProvider.
func (a *Arbiter) IsPrimary() bool { return a.Role() == RolePrimary }

// Run joins the HA multicast group, performs the startup election
// against initialRole, and blocks running the receiver loop (plus an
// internal heartbeat-emitter goroutine) until Stop is called. A
// join/bind failure degrades to a no-op arbiter retaining initialRole.
func (a *Arbiter) Run(initialRole Role) {
	defer close(a.done)
	a.role.Store(int32(RoleUnknown))

	addr := &net.UDPAddr{IP: net.ParseIP(a.cfg.MulticastGroup), Port: a.cfg.Port}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		a.log.Errorf("join HA group %s:%d failed: %v — running degraded (role fixed at %s)", a.cfg.MulticastGroup, a.cfg.Port, err, initialRole)
		a.role.Store(int32(initialRole))
		<-a.stop
		return
	}
	a.conn = conn
	a.respAddr = addr
	defer conn.Close()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.receiveLoop() }()

	a.electStartupRole(initialRole)

	<-a.stop
	a.wg.Wait()
}

// electStartupRole is the startup handshake: announce, wait ~2s for
// heartbeats, then decide — an observed recent Primary means we join
// as Standby, otherwise we take Primary.
func (a *Arbiter) electStartupRole(initialRole Role) {
	if initialRole != RoleUnknown {
		// Caller supplied a concrete starting role; still broadcast our
		// presence so a peer mid-startup can see us, but skip the
		// wait-and-decide handshake.
		a.sendElectionAnnounce()
		if initialRole == RolePrimary {
			a.SwitchToPrimary()
		} else {
			a.SwitchToStandby()
		}
		return
	}
	a.sendElectionAnnounce()
	select {
	case <-time.After(2 * time.Second):
	case <-a.stop:
		return
	}
	if a.primaryHeartbeatRecentLocked(5 * time.Second) {
		a.SwitchToStandby()
	} else {
		a.SwitchToPrimary()
	}
}

func (a *Arbiter) primaryHeartbeatRecentLocked(within time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastPrimaryHB.IsZero() {
		return false
	}
	return a.now().Sub(a.lastPrimaryHB) <= within
}

// Stop requests the arbiter's workers exit and blocks until they have.
func (a *Arbiter) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Arbiter) receiveLoop() {
	buf := make([]byte, 256)
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				a.checkStandbyTimeout()
				continue
			}
			a.log.Warnf("recv error: %v", err)
			continue
		}
		msg, ok := decode(buf[:n])
		if !ok {
			continue
		}
		if msg.NodeID == a.nodeID {
			continue // our own multicast echo
		}
		a.handleMessage(msg)
		a.checkStandbyTimeout()
	}
}

// checkStandbyTimeout promotes a Standby node that has seen no Primary
// heartbeat within the timeout threshold.
func (a *Arbiter) checkStandbyTimeout() {
	if a.Role() != RoleStandby {
		return
	}
	a.mu.Lock()
	stale := a.lastPrimaryHB.IsZero() || a.now().Sub(a.lastPrimaryHB) > a.cfg.TimeoutThreshold
	a.mu.Unlock()
	if stale {
		a.log.Warnf("no primary heartbeat within %s, switching to primary", a.cfg.TimeoutThreshold)
		a.SwitchToPrimary()
	}
}

func (a *Arbiter) handleMessage(msg message) {
	switch msg.MsgType {
	case msgTypeElectionAnnounce:
		if a.Role() == RolePrimary {
			a.sendRoleDeclaration()
		}
	case msgTypeHeartbeat, msgTypeRoleDeclare:
		if msg.Role != RolePrimary {
			return
		}
		a.mu.Lock()
		a.lastPrimaryHB = a.now()
		a.mu.Unlock()
		if a.Role() == RolePrimary && a.shouldYieldTo(msg) {
			a.log.Warnf("yielding to peer %s (priority %d)", msg.NodeID, msg.Priority)
			a.SwitchToStandby()
		}
	}
}

// shouldYieldTo decides the split-brain tiebreak: yield iff the peer's
// priority is higher, or priority is tied and its nodeId (as u32) is
// smaller than ours.
func (a *Arbiter) shouldYieldTo(msg message) bool {
	if msg.Priority > a.cfg.Priority {
		return true
	}
	if msg.Priority == a.cfg.Priority && ipLess(msg.NodeID, a.nodeID) {
		return true
	}
	return false
}

func ipLess(a, b string) bool {
	ai, bi := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ai == nil || bi == nil {
		return strings.Compare(a, b) < 0
	}
	return binary.BigEndian.Uint32(ai) < binary.BigEndian.Uint32(bi)
}

// SwitchToPrimary transitions to Primary and starts the heartbeat
// emitter if it isn't already running — including on a later
// Standby->Primary failover, where the previous emitter has long since
// exited.
func (a *Arbiter) SwitchToPrimary() { a.transition(RolePrimary) }

// SwitchToStandby transitions to Standby; the heartbeat emitter (if
// running) exits on its own next check.
func (a *Arbiter) SwitchToStandby() { a.transition(RoleStandby) }

func (a *Arbiter) transition(newRole Role) {
	old := Role(a.role.Swap(int32(newRole)))
	if old == newRole {
		return
	}
	a.log.Infof("role transition %s -> %s", old, newRole)
	if a.metrics != nil {
		a.metrics.HARoleTransitions.Inc()
		a.metrics.HACurrentRole.Set(float64(newRole))
	}
	if a.callback != nil {
		a.callback(old, newRole)
	}
	if newRole == RolePrimary {
		a.startHeartbeatEmitter()
	}
}

// startHeartbeatEmitter spawns the emitter goroutine unless one is
// already running or the arbiter is degraded (no socket).
func (a *Arbiter) startHeartbeatEmitter() {
	a.mu.Lock()
	if a.hbEmitterActive || a.conn == nil {
		a.mu.Unlock()
		return
	}
	a.hbEmitterActive = true
	a.mu.Unlock()
	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.heartbeatEmitterLoop() }()
}

func (a *Arbiter) heartbeatEmitterLoop() {
	defer func() {
		a.mu.Lock()
		a.hbEmitterActive = false
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.Role() != RolePrimary {
				return // exits naturally once no longer primary
			}
			a.sendHeartbeat()
		}
	}
}

func (a *Arbiter) sendElectionAnnounce() { a.sendMessage(msgTypeElectionAnnounce) }
func (a *Arbiter) sendHeartbeat()        { a.sendMessage(msgTypeHeartbeat) }
func (a *Arbiter) sendRoleDeclaration()  { a.sendMessage(msgTypeRoleDeclare) }

func (a *Arbiter) sendMessage(msgType uint8) {
	if a.conn == nil || a.respAddr == nil {
		return
	}
	msg := message{
		MsgType:   msgType,
		Role:      a.Role(),
		Priority:  a.cfg.Priority,
		Sequence:  a.sequence.Add(1),
		Timestamp: uint64(a.now().UnixMilli()),
		NodeID:    a.nodeID,
	}
	if _, err := a.conn.WriteToUDP(encode(msg), a.respAddr); err != nil {
		a.log.Warnf("send msgType=%d failed: %v", msgType, err)
	}
}
