package ha

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterctl/boardctl/internal/nlog"
)

func testLogger() *nlog.Logger { return nlog.New(io.Discard, "test", nlog.LevelDebug) }

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg := message{
		MsgType:   msgTypeHeartbeat,
		Role:      RolePrimary,
		Priority:  10,
		Sequence:  7,
		Timestamp: 1234567890,
		NodeID:    "10.0.0.5",
	}
	buf := encode(msg)
	require.Len(t, buf, wireSize)

	got, ok := decode(buf)
	require.True(t, ok)
	assert.Equal(t, msg.MsgType, got.MsgType)
	assert.Equal(t, msg.Role, got.Role)
	assert.Equal(t, msg.Priority, got.Priority)
	assert.Equal(t, msg.Sequence, got.Sequence)
	assert.Equal(t, msg.Timestamp, got.Timestamp)
	assert.Equal(t, msg.NodeID, got.NodeID)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	msg := message{MsgType: msgTypeHeartbeat, NodeID: "1.2.3.4"}
	buf := encode(msg)
	buf[0] = 0x00
	_, ok := decode(buf)
	assert.False(t, ok)
}

func TestDecode_RejectsShortFrame(t *testing.T) {
	_, ok := decode(make([]byte, wireSize-1))
	assert.False(t, ok)
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "Unknown", RoleUnknown.String())
	assert.Equal(t, "Primary", RolePrimary.String())
	assert.Equal(t, "Standby", RoleStandby.String())
}

func TestArbiter_SwitchTransitionsInvokeCallbackOnce(t *testing.T) {
	var transitions [][2]Role
	a := New(Config{MulticastGroup: "239.1.1.1", Port: 0, Priority: 5}, "10.0.0.1",
		func(old, new Role) { transitions = append(transitions, [2]Role{old, new}) }, nil, testLogger())

	a.role.Store(int32(RoleUnknown))
	a.SwitchToPrimary()
	a.SwitchToPrimary() // no-op, already primary
	a.SwitchToStandby()

	require.Len(t, transitions, 2)
	assert.Equal(t, [2]Role{RoleUnknown, RolePrimary}, transitions[0])
	assert.Equal(t, [2]Role{RolePrimary, RoleStandby}, transitions[1])
	assert.False(t, a.IsPrimary())
}

func TestArbiter_ShouldYieldTo(t *testing.T) {
	a := New(Config{MulticastGroup: "239.1.1.1", Port: 0, Priority: 5}, "10.0.0.5", nil, nil, testLogger())

	// Higher priority peer: yield.
	assert.True(t, a.shouldYieldTo(message{Priority: 10, NodeID: "10.0.0.9"}))
	// Lower priority peer: do not yield.
	assert.False(t, a.shouldYieldTo(message{Priority: 1, NodeID: "10.0.0.9"}))
	// Tied priority, smaller nodeId: yield.
	assert.True(t, a.shouldYieldTo(message{Priority: 5, NodeID: "10.0.0.2"}))
	// Tied priority, larger nodeId: do not yield.
	assert.False(t, a.shouldYieldTo(message{Priority: 5, NodeID: "10.0.0.200"}))
}

func TestArbiter_CheckStandbyTimeout_SwitchesToPrimary(t *testing.T) {
	var gotNew Role
	a := New(Config{MulticastGroup: "239.1.1.1", Port: 0, Priority: 5, TimeoutThreshold: 9 * time.Second}, "10.0.0.1",
		func(_, new Role) { gotNew = new }, nil, testLogger())
	a.role.Store(int32(RoleStandby))
	stale := time.Now().Add(-10 * time.Second)
	a.lastPrimaryHB = stale

	a.checkStandbyTimeout()

	assert.Equal(t, RolePrimary, gotNew)
	assert.True(t, a.IsPrimary())
}

func TestArbiter_CheckStandbyTimeout_NoopWhenRecent(t *testing.T) {
	called := false
	a := New(Config{MulticastGroup: "239.1.1.1", Port: 0, Priority: 5, TimeoutThreshold: 9 * time.Second}, "10.0.0.1",
		func(_, _ Role) { called = true }, nil, testLogger())
	a.role.Store(int32(RoleStandby))
	a.lastPrimaryHB = time.Now()

	a.checkStandbyTimeout()

	assert.False(t, called)
	assert.False(t, a.IsPrimary())
}

func TestArbiter_HandleMessage_PrimaryYieldsToHigherPriority(t *testing.T) {
	a := New(Config{MulticastGroup: "239.1.1.1", Port: 0, Priority: 1}, "10.0.0.1", nil, nil, testLogger())
	a.role.Store(int32(RolePrimary))

	a.handleMessage(message{MsgType: msgTypeHeartbeat, Role: RolePrimary, Priority: 99, NodeID: "10.0.0.2"})

	assert.Equal(t, RoleStandby, a.Role())
}

func TestArbiter_HandleMessage_IgnoresNonPrimaryHeartbeat(t *testing.T) {
	a := New(Config{MulticastGroup: "239.1.1.1", Port: 0, Priority: 1}, "10.0.0.1", nil, nil, testLogger())
	a.role.Store(int32(RoleStandby))

	a.handleMessage(message{MsgType: msgTypeHeartbeat, Role: RoleStandby, NodeID: "10.0.0.2"})

	assert.True(t, a.lastPrimaryHB.IsZero())
}

func TestIPLess(t *testing.T) {
	assert.True(t, ipLess("10.0.0.1", "10.0.0.2"))
	assert.False(t, ipLess("10.0.0.2", "10.0.0.1"))
	assert.False(t, ipLess("10.0.0.1", "10.0.0.1"))
}
