package domain

// ResourceUsage is live per-task telemetry carried in the Stack view,
// refreshed independently of the Board view.
type ResourceUsage struct {
	CPUCores    float32
	CPUUsed     float32
	CPUUsage    float32 // fraction 0..1
	MemorySize  float32
	MemoryUsed  float32
	MemoryUsage float32 // fraction 0..1
	NetReceive  float32
	NetSent     float32
	GPUMemUsed  float32
}

// Task is a workload instance as seen from the Stack view.
type Task struct {
	TaskID       string
	TaskStatus   TaskStatus
	BoardAddress string
	Resources    ResourceUsage
}

// Service is a named component within a Stack, holding zero or more
// Tasks keyed by TaskID.
type Service struct {
	UUID   string
	Name   string
	Status string
	Type   ServiceType
	Tasks  map[string]Task
}

// Stack is a deployable bundle of services, wholesale-replaced on each
// successful collector stack-tick.
type Stack struct {
	UUID          string
	Name          string
	DeployStatus  DeployStatus
	RunningStatus RunningStatus
	Labels        map[string]struct{}
	Services      map[string]Service // keyed by ServiceUUID
}

// NewStack constructs an empty stack shell.
func NewStack(uuid, name string) *Stack {
	return &Stack{
		UUID:     uuid,
		Name:     name,
		Labels:   make(map[string]struct{}),
		Services: make(map[string]Service),
	}
}

// HasLabel reports whether l is one of the stack's labels.
func (s *Stack) HasLabel(l string) bool {
	_, ok := s.Labels[l]
	return ok
}

// AddLabel attaches a label to the stack.
func (s *Stack) AddLabel(l string) {
	if s.Labels == nil {
		s.Labels = make(map[string]struct{})
	}
	s.Labels[l] = struct{}{}
}

// TaskResources linear-scans this stack's services for a task with the
// given TaskID and returns its ResourceUsage.
func (s *Stack) TaskResources(taskID string) (ResourceUsage, bool) {
	for _, svc := range s.Services {
		if t, ok := svc.Tasks[taskID]; ok {
			return t.Resources, true
		}
	}
	return ResourceUsage{}, false
}

// Clone returns a deep-value copy safe to hand outside the repository
// lock — mutating the returned Stack never affects the stored one
// until explicitly re-Saved.
func (s *Stack) Clone() *Stack {
	cp := &Stack{
		UUID:          s.UUID,
		Name:          s.Name,
		DeployStatus:  s.DeployStatus,
		RunningStatus: s.RunningStatus,
		Labels:        make(map[string]struct{}, len(s.Labels)),
		Services:      make(map[string]Service, len(s.Services)),
	}
	for l := range s.Labels {
		cp.Labels[l] = struct{}{}
	}
	for uuid, svc := range s.Services {
		svcCopy := svc
		svcCopy.Tasks = make(map[string]Task, len(svc.Tasks))
		for tid, t := range svc.Tasks {
			svcCopy.Tasks[tid] = t
		}
		cp.Services[uuid] = svcCopy
	}
	return cp
}
