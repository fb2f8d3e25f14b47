// Package collector runs the periodic reconcile loop that is the
// system's only writer of upstream platform data into the world model.
// Each tick: board-stage, then stack-stage, then timeout-demotion, in
// that fixed order.
package collector

import (
	"context"
	"time"

	"github.com/clusterctl/boardctl/internal/domain"
	"github.com/clusterctl/boardctl/internal/metrics"
	"github.com/clusterctl/boardctl/internal/nlog"
	"github.com/clusterctl/boardctl/internal/platform"
	"github.com/clusterctl/boardctl/internal/repo"
)

// Collector is the single background worker driving the platform API
// client on a timer: a ticker plus a done channel, stoppable between
// ticks.
type Collector struct {
	api               *platform.Client
	chassis           *repo.ChassisRepository
	stacks            *repo.StackRepository
	interval          time.Duration
	timeout           time.Duration
	heartbeatClientIP string
	log               *nlog.Logger
	now               func() time.Time
	metrics           *metrics.Registry

	stop chan struct{}
	done chan struct{}
}

func New(api *platform.Client, chassis *repo.ChassisRepository, stacks *repo.StackRepository,
	interval, boardTimeout time.Duration, heartbeatClientIP string, log *nlog.Logger, mr *metrics.Registry,
) *Collector {
	return &Collector{
		api:               api,
		chassis:           chassis,
		stacks:            stacks,
		interval:          interval,
		timeout:           boardTimeout,
		heartbeatClientIP: heartbeatClientIP,
		log:               log.With("collector"),
		now:               time.Now,
		metrics:           mr,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Run blocks, ticking at c.interval until Stop is called. Any failure
// within a step is logged and the loop continues at the next interval;
// cancellation aborts the sleep promptly.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Stop requests the loop exit and blocks until it has.
func (c *Collector) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Collector) tick(ctx context.Context) {
	c.boardTick(ctx)
	c.stackTick(ctx)
	c.demoteStale()
	c.heartbeatTick(ctx)
	if c.metrics != nil {
		c.metrics.CollectorTicks.Inc()
	}
}

// heartbeatTick reports this node's client IP upstream, riding the
// same cadence as the rest of the tick.
func (c *Collector) heartbeatTick(ctx context.Context) {
	if c.heartbeatClientIP == "" {
		return
	}
	if !c.api.SendHeartbeat(ctx, c.heartbeatClientIP) {
		c.log.Warnf("heartbeat-tick: upstream call failed for %s", c.heartbeatClientIP)
	}
}

// boardTick reconciles every reported board into its chassis slot:
// identity, telemetry, and task list are overwritten and the update
// time stamped. Unknown chassis or out-of-range slots are logged and
// skipped; they do not fail the tick.
func (c *Collector) boardTick(ctx context.Context) {
	entries := c.api.GetBoardInfo(ctx)
	now := c.now()
	for _, e := range entries {
		if e.BoardNumber < 1 || e.BoardNumber > domain.SlotsPerChassis {
			c.log.Errorf("board-tick: chassis %d slot %d out of range, skipping", e.ChassisNumber, e.BoardNumber)
			c.bumpFailure("board")
			continue
		}
		ch, ok := c.chassis.FindByNumber(e.ChassisNumber)
		if !ok {
			c.log.Errorf("board-tick: unknown chassis %d, skipping entry for slot %d", e.ChassisNumber, e.BoardNumber)
			c.bumpFailure("board")
			continue
		}
		b, err := ch.BoardBySlot(e.BoardNumber)
		if err != nil {
			c.log.Errorf("board-tick: chassis %d slot %d: %v, skipping", e.ChassisNumber, e.BoardNumber, err)
			c.bumpFailure("board")
			continue
		}
		fans := make([]domain.FanSpeed, 0, len(e.FanSpeeds))
		for _, f := range e.FanSpeeds {
			fans = append(fans, domain.FanSpeed{Name: f.FanName, Speed: f.Speed})
		}
		tasks := make([]domain.TaskRef, 0, len(e.TaskInfos))
		for _, t := range e.TaskInfos {
			tasks = append(tasks, domain.TaskRef{
				TaskID:      t.TaskID,
				TaskStatus:  domain.TaskStatus(t.TaskStatus),
				ServiceName: t.ServiceName,
				ServiceUUID: t.ServiceUUID,
				StackName:   t.StackName,
				StackUUID:   t.StackUUID,
			})
		}
		b.UpdateFromAPIData(e.BoardName, e.BoardAddress, domain.BoardType(e.BoardType), e.BoardStatus,
			e.Voltage12V, e.Voltage33V, e.Current12A, e.Current33A, e.Temperature, fans, tasks, now)
		if !c.chassis.UpdateBoard(e.ChassisNumber, b) {
			c.log.Errorf("board-tick: failed to persist chassis %d slot %d", e.ChassisNumber, e.BoardNumber)
		}
	}
}

// stackTick wholesale-replaces the stack store from upstream: a failed
// call keeps the existing store, a successful empty payload empties
// it, and any other success rebuilds every stack from scratch.
func (c *Collector) stackTick(ctx context.Context) {
	data, ok := c.api.GetStackInfo(ctx)
	if !ok {
		c.log.Warnf("stack-tick: upstream call failed, keeping existing stack store")
		c.bumpFailure("stack")
		return
	}
	if len(data) == 0 {
		c.stacks.Clear()
		return
	}
	stacks := make([]*domain.Stack, 0, len(data))
	for _, sd := range data {
		s := domain.NewStack(sd.StackUUID, sd.StackName)
		s.DeployStatus = domain.DeployStatus(sd.StackDeployStatus)
		s.RunningStatus = domain.RunningStatus(sd.StackRunningStatus)
		for _, l := range sd.StackLabels {
			s.AddLabel(l)
		}
		for _, svcd := range sd.ServiceInfos {
			svc := domain.Service{
				UUID:  svcd.ServiceUUID,
				Name:  svcd.ServiceName,
				Type:  domain.ServiceType(svcd.ServiceType),
				Tasks: make(map[string]domain.Task, len(svcd.TaskInfos)),
			}
			for _, td := range svcd.TaskInfos {
				svc.Tasks[td.TaskID] = domain.Task{
					TaskID:       td.TaskID,
					TaskStatus:   domain.TaskStatus(td.TaskStatus),
					BoardAddress: td.BoardAddress,
					Resources: domain.ResourceUsage{
						CPUCores:    td.CPUCores,
						CPUUsed:     td.CPUUsed,
						CPUUsage:    td.CPUUsage,
						MemorySize:  td.MemorySize,
						MemoryUsed:  td.MemoryUsed,
						MemoryUsage: td.MemoryUsage,
						NetReceive:  td.NetReceive,
						NetSent:     td.NetSent,
						GPUMemUsed:  td.GPUMemUsed,
					},
				}
			}
			s.Services[svc.UUID] = svc
		}
		stacks = append(stacks, s)
	}
	c.stacks.Replace(stacks)
}

// demoteStale demotes Normal boards whose last update is older than
// the timeout. The abnormal/offline diagnostic is logged BEFORE the
// slot 6/7 exemption check; the exemption only gates the demotion
// mutation itself.
func (c *Collector) demoteStale() {
	now := c.now()
	for _, ch := range c.chassis.GetAll() {
		boards := ch.AllBoards()
		for i := range boards {
			b := boards[i]
			if b.Status == domain.BoardStatusAbnormal || b.Status == domain.BoardStatusOffline {
				c.log.Warnf("chassis %d slot %d status=%s", ch.Number, b.Slot, b.Status)
			}
			if b.DemoteIfStale(now, c.timeout) {
				c.chassis.UpdateBoard(ch.Number, b)
			}
		}
	}
}

func (c *Collector) bumpFailure(stage string) {
	if c.metrics != nil {
		c.metrics.CollectorFailures.WithLabelValues(stage).Inc()
	}
}
