package dispatch

import (
	"strconv"
	"strings"
	"sync"
)

// labelPrefix is the Chinese "work mode" tag prefix the protocol uses
// in place of a raw numeric work mode.
const labelPrefix = "工作模式"

// WorkModeToLabel renders a numeric work mode as its Stack label.
func WorkModeToLabel(n int) string {
	return labelPrefix + strconv.Itoa(n)
}

// LabelToWorkMode parses a Stack label back into its numeric work
// mode. An empty or non-conforming label yields 0, which deliberately
// collides with "no task running": TaskQuery populates workMode from
// the current running label, and an empty label legitimately reads as
// mode 0.
func LabelToWorkMode(label string) int {
	if label == "" || !strings.HasPrefix(label, labelPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(label, labelPrefix))
	if err != nil {
		return 0
	}
	return n
}

// labelState guards currentRunningLabel, the dispatcher's
// single-flight start/stop state: a successful TaskStart's write
// happens-before any concurrent TaskStop's read of the old value, both
// crossing this one mutex.
type labelState struct {
	mu    sync.Mutex
	label string
}

func (s *labelState) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

func (s *labelState) set(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

// clearIfEqual clears the label only if it still matches expected,
// preventing a stale TaskStop from clobbering a label a concurrent
// TaskStart already changed.
func (s *labelState) clearIfEqual(expected string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.label == expected {
		s.label = ""
	}
}
