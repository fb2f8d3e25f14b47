// Package repo implements the two concurrent-safe stores the rest of
// the control plane treats as independent black boxes: chassis-by-number
// and stacks-by-UUID. Every public method takes the store's own mutex
// and never holds it across I/O or calls into other components.
package repo

import (
	"sync"
	"time"

	"github.com/clusterctl/boardctl/internal/domain"
)

// ChassisRepository is chassisNumber -> *domain.Chassis.
type ChassisRepository struct {
	mu      sync.Mutex
	chassis map[int]*domain.Chassis
}

func NewChassisRepository() *ChassisRepository {
	return &ChassisRepository{chassis: make(map[int]*domain.Chassis)}
}

// Save stores (or replaces) a chassis. Callers pass an owned value;
// the repository clones it so later caller-side mutation of the
// original can't leak into the store.
func (r *ChassisRepository) Save(c *domain.Chassis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chassis[c.Number] = c.Clone()
}

// FindByNumber returns a clone of the chassis, or (nil, false).
func (r *ChassisRepository) FindByNumber(number int) (*domain.Chassis, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chassis[number]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// FindByBoardAddress scans every chassis, then that chassis's boards,
// for a matching address.
func (r *ChassisRepository) FindByBoardAddress(address string) (chassisNumber, slot int, board domain.Board, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for num, c := range r.chassis {
		if b, found := c.BoardByAddress(address); found {
			return num, b.Slot, b, true
		}
	}
	return 0, 0, domain.Board{}, false
}

// GetAll returns a snapshot slice of chassis clones.
func (r *ChassisRepository) GetAll() []*domain.Chassis {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Chassis, 0, len(r.chassis))
	for _, c := range r.chassis {
		out = append(out, c.Clone())
	}
	return out
}

// UpdateBoard persists a single board's state within a chassis. It
// returns false if the chassis or slot doesn't exist so the caller can
// log and skip.
func (r *ChassisRepository) UpdateBoard(chassisNumber int, b domain.Board) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chassis[chassisNumber]
	if !ok {
		return false
	}
	return c.SetBoard(b) == nil
}

// UpdateAllBoardsStatus applies a BMC presence batch: slot -> present,
// at the given observation time. Used exclusively to update
// presence-derived Offline status; it never touches Normal/Abnormal.
// Slots outside 1..SlotsPerChassis are ignored.
func (r *ChassisRepository) UpdateAllBoardsStatus(chassisNumber int, presence map[int]bool, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chassis[chassisNumber]
	if !ok {
		return false
	}
	for slot, present := range presence {
		b, err := c.BoardBySlot(slot)
		if err != nil {
			continue
		}
		b.SetPresence(present, now)
		_ = c.SetBoard(b)
	}
	return true
}

// Clear empties the repository.
func (r *ChassisRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chassis = make(map[int]*domain.Chassis)
}

// Size returns the number of chassis stored.
func (r *ChassisRepository) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chassis)
}
