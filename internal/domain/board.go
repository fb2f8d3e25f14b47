package domain

import "time"

// TaskRef is a denormalized view of a workload occupying a board slot,
// refreshed by the collector's board-tick.
type TaskRef struct {
	TaskID      string
	TaskStatus  TaskStatus
	ServiceName string
	ServiceUUID string
	StackName   string
	StackUUID   string
}

// FanSpeed is one named fan reading on a board.
type FanSpeed struct {
	Name  string
	Speed float32
}

// Board is one slot's worth of state within a Chassis. Slot is
// immutable once assigned — it's the board's identity within the
// chassis and is never touched by UpdateFromAPIData.
type Board struct {
	Slot    int
	Address string
	Name    string
	Type    BoardType
	Status  BoardStatus

	Voltage12V float32
	Voltage33V float32
	Current12A float32
	Current33A float32
	Temp       float32
	Fans       []FanSpeed

	Tasks []TaskRef

	LastUpdate time.Time // zero value means "never updated"
}

// NewBoard constructs a board slot in its initial Unknown state.
func NewBoard(slot int, address, name string, typ BoardType) Board {
	return Board{Slot: slot, Address: address, Name: name, Type: typ, Status: BoardStatusUnknown}
}

// PrimaryVoltage and PrimaryCurrent are the 12V/12A "primary"
// readings, the single per-board values reported over the BMC query
// response.
func (b *Board) PrimaryVoltage() float32 { return b.Voltage12V }
func (b *Board) PrimaryCurrent() float32 { return b.Current12A }

// UpdateStatus sets status and stamps LastUpdate to now.
func (b *Board) UpdateStatus(status BoardStatus, now time.Time) {
	b.Status = status
	b.LastUpdate = now
}

// UpdateFromAPIData overwrites identity, telemetry, and task list from
// a board-info collector tick. Slot is untouched.
func (b *Board) UpdateFromAPIData(name, address string, typ BoardType, statusCode int,
	v12, v33, i12, i33, temp float32, fans []FanSpeed, tasks []TaskRef, now time.Time,
) {
	b.Name = name
	b.Address = address
	b.Type = typ
	b.Voltage12V, b.Voltage33V = v12, v33
	b.Current12A, b.Current33A = i12, i33
	b.Temp = temp
	b.Fans = fans
	b.Tasks = tasks
	b.UpdateStatus(BoardStatusFromAPICode(statusCode), now)
}

// DemoteIfStale demotes a Normal board to Abnormal if it hasn't
// updated within timeout. Exempt slots (6, 7) are never demoted.
// LastUpdate is preserved either way so operators can see exactly how
// old the last report was. Returns true iff a demotion occurred.
func (b *Board) DemoteIfStale(now time.Time, timeout time.Duration) bool {
	if TimeoutExemptSlot(b.Slot) {
		return false
	}
	if b.LastUpdate.IsZero() {
		return false
	}
	if now.Sub(b.LastUpdate) <= timeout {
		return false
	}
	if b.Status != BoardStatusNormal {
		return false
	}
	b.Status = BoardStatusAbnormal
	return true
}

// SetPresence applies a BMC presence observation: present==false means
// Offline. A present==true observation leaves the board's existing
// non-Offline status untouched — Normal/Abnormal is the collector's
// call, not the BMC's; presence only governs Offline.
func (b *Board) SetPresence(present bool, now time.Time) {
	if !present {
		b.UpdateStatus(BoardStatusOffline, now)
		return
	}
	// present: clear a stale Offline verdict back to Unknown so the
	// next collector tick can re-establish Normal/Abnormal; otherwise
	// leave status alone.
	if b.Status == BoardStatusOffline {
		b.Status = BoardStatusUnknown
	}
}
