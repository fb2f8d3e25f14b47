package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardStatusFromAPICode(t *testing.T) {
	assert.Equal(t, BoardStatusNormal, BoardStatusFromAPICode(0))
	assert.Equal(t, BoardStatusAbnormal, BoardStatusFromAPICode(1))
	assert.Equal(t, BoardStatusOffline, BoardStatusFromAPICode(2))
	assert.Equal(t, BoardStatusAbnormal, BoardStatusFromAPICode(7), "unknown codes map to Abnormal")
}

func TestUpdateFromAPIData_OverwritesAndStamps(t *testing.T) {
	b := NewBoard(3, "old-addr", "old-name", BoardTypeOther)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)

	b.UpdateFromAPIData("new-name", "10.0.0.3", BoardTypeComputing, 0,
		12.1, 3.3, 1.5, 0.4, 44.0,
		[]FanSpeed{{Name: "fan1", Speed: 3000}},
		[]TaskRef{{TaskID: "42", TaskStatus: TaskStatusRunning}}, now)

	assert.Equal(t, 3, b.Slot, "slot is identity, never overwritten")
	assert.Equal(t, "new-name", b.Name)
	assert.Equal(t, "10.0.0.3", b.Address)
	assert.Equal(t, BoardStatusNormal, b.Status)
	assert.Equal(t, now, b.LastUpdate)
	require.Len(t, b.Tasks, 1)
	assert.Equal(t, "42", b.Tasks[0].TaskID)
}

func TestDemoteIfStale(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	timeout := 2 * time.Minute

	stale := NewBoard(1, "", "", BoardTypeComputing)
	stale.Status = BoardStatusNormal
	stale.LastUpdate = now.Add(-3 * time.Minute)
	assert.True(t, stale.DemoteIfStale(now, timeout))
	assert.Equal(t, BoardStatusAbnormal, stale.Status)
	assert.Equal(t, now.Add(-3*time.Minute), stale.LastUpdate, "timestamp preserved")

	fresh := NewBoard(1, "", "", BoardTypeComputing)
	fresh.Status = BoardStatusNormal
	fresh.LastUpdate = now.Add(-time.Minute)
	assert.False(t, fresh.DemoteIfStale(now, timeout))
	assert.Equal(t, BoardStatusNormal, fresh.Status)

	never := NewBoard(1, "", "", BoardTypeComputing)
	never.Status = BoardStatusNormal
	assert.False(t, never.DemoteIfStale(now, timeout), "zero LastUpdate is not stale")

	abnormal := NewBoard(1, "", "", BoardTypeComputing)
	abnormal.Status = BoardStatusAbnormal
	abnormal.LastUpdate = now.Add(-3 * time.Minute)
	assert.False(t, abnormal.DemoteIfStale(now, timeout), "only Normal boards demote")

	for _, slot := range []int{6, 7} {
		exempt := NewBoard(slot, "", "", BoardTypeEthernetSwitch)
		exempt.Status = BoardStatusNormal
		exempt.LastUpdate = now.Add(-time.Hour)
		assert.False(t, exempt.DemoteIfStale(now, timeout), "slot %d exempt", slot)
		assert.Equal(t, BoardStatusNormal, exempt.Status)
	}
}

func TestSetPresence(t *testing.T) {
	now := time.Now()

	b := NewBoard(1, "", "", BoardTypeComputing)
	b.Status = BoardStatusNormal
	b.SetPresence(false, now)
	assert.Equal(t, BoardStatusOffline, b.Status)

	// Re-seated: Offline clears back to Unknown for the collector to
	// re-establish; it never jumps straight to Normal.
	b.SetPresence(true, now)
	assert.Equal(t, BoardStatusUnknown, b.Status)

	normal := NewBoard(2, "", "", BoardTypeComputing)
	normal.Status = BoardStatusNormal
	normal.SetPresence(true, now)
	assert.Equal(t, BoardStatusNormal, normal.Status, "present preserves non-Offline status")
}

func TestChassisSlotBounds(t *testing.T) {
	c := NewChassis(1, "c1")
	_, err := c.BoardBySlot(0)
	assert.Error(t, err)
	_, err = c.BoardBySlot(SlotsPerChassis + 1)
	assert.Error(t, err)
	b, err := c.BoardBySlot(1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Slot)
	assert.Equal(t, 14, SlotsPerChassis)
}

func TestChassisClone_IsolatesBoardSlices(t *testing.T) {
	c := NewChassis(1, "c1")
	b := NewBoard(1, "10.0.0.1", "b1", BoardTypeComputing)
	b.Tasks = []TaskRef{{TaskID: "t1"}}
	require.NoError(t, c.SetBoard(b))

	cp := c.Clone()
	got, _ := cp.BoardBySlot(1)
	got.Tasks[0].TaskID = "mutated"
	_ = cp.SetBoard(got)

	orig, _ := c.BoardBySlot(1)
	assert.Equal(t, "t1", orig.Tasks[0].TaskID)
}
