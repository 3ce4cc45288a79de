package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/wateringctl/internal/arena"
	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/fault"
	"github.com/roach88/wateringctl/internal/remote"
	"github.com/roach88/wateringctl/internal/scheduler"
	"github.com/roach88/wateringctl/internal/valve"
)

// DefaultInterval is the main loop period.
const DefaultInterval = 100 * time.Millisecond

// Event is a valve flip reported to the Recorder.
type Event struct {
	At    clock.Timestamp `json:"at"`
	Valve valve.ID        `json:"valve"`
	Name  string          `json:"name"`
	On    bool            `json:"on"`
}

// Recorder receives every valve flip, in order, from the goroutine that
// ticks the controller.
type Recorder func(Event)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller and every component it
// builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithRecorder sets the valve flip callback.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithBus replaces the in-process loopback with a real bus.
func WithBus(bus remote.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

type route struct {
	relay  *remote.Relay
	output int
}

// Controller runs the irrigation core.
type Controller struct {
	mu sync.Mutex

	logger   *slog.Logger
	recorder Recorder
	faults   *fault.Register
	pool     *arena.Pool
	valves   *valve.Registry
	sched    *scheduler.Scheduler
	modules  *remote.Registry
	bus      remote.Bus
	loopback *remote.Loopback
	routes   map[valve.ID]route

	cfg   config.Config
	now   clock.Timestamp
	ticks clock.Ticks
}

// New builds a controller from cfg. Sequences and schedules are loaded into
// the arena; a configuration that does not fit returns InsufficientMemory.
func New(cfg *config.Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		logger: slog.New(slog.DiscardHandler),
		cfg:    *cfg,
		routes: make(map[valve.ID]route),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.loopback = remote.NewLoopback()
		c.bus = c.loopback
	}

	c.faults = fault.NewRegister(c.logger)

	var err error
	c.pool, err = arena.New(cfg.PoolSize, arena.WithLogger(c.logger), arena.WithFaults(c.faults))
	if err != nil {
		return nil, fmt.Errorf("creating arena: %w", err)
	}
	c.valves, err = valve.NewRegistry(cfg.Valves, c.faults)
	if err != nil {
		return nil, fmt.Errorf("creating valves: %w", err)
	}
	c.sched, err = scheduler.New(c.pool, c.valves,
		scheduler.WithZoneMinutes(cfg.ZoneMinutes),
		scheduler.WithLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	if err := c.loadSchedules(cfg); err != nil {
		return nil, err
	}
	if err := c.loadModules(cfg); err != nil {
		return nil, err
	}

	c.logger.Debug("controller ready",
		"valves", c.valves.Len(),
		"sequences", c.sched.SequenceCount(),
		"weekly", c.sched.WeeklyCount(),
		"daily", c.sched.DailyCount(),
		"free_bytes", c.pool.FreeSpace(),
	)
	return c, nil
}

func (c *Controller) loadSchedules(cfg *config.Config) error {
	if len(cfg.Sequences) > scheduler.MaxEntries {
		return fmt.Errorf("%d sequences, maximum is %d", len(cfg.Sequences), scheduler.MaxEntries)
	}
	if err := c.sched.ResizeValveSequencesArray(uint8(len(cfg.Sequences))); err != nil {
		return fmt.Errorf("allocating sequences: %w", err)
	}
	for i, seq := range cfg.Sequences {
		s := c.sched.ValveSequence(uint8(i))
		for j, p := range seq.Periods {
			id, ok := c.valves.Lookup(p.Valve)
			if !ok {
				return fmt.Errorf("sequence %d period %d: unknown valve %q", i, j, p.Valve)
			}
			if err := s.AddValveOpenPeriod(id, p.Start, p.Duration); err != nil {
				return fmt.Errorf("sequence %d period %d: %w", i, j, err)
			}
		}
	}

	if len(cfg.Weekly) > scheduler.MaxEntries || len(cfg.Daily) > scheduler.MaxEntries {
		return fmt.Errorf("too many schedules, maximum is %d of each kind", scheduler.MaxEntries)
	}
	if err := c.sched.ResizeWeeklySchedulesArray(uint8(len(cfg.Weekly))); err != nil {
		return fmt.Errorf("allocating weekly schedules: %w", err)
	}
	for i, w := range cfg.Weekly {
		v, err := w.Schedule()
		if err != nil {
			return fmt.Errorf("weekly schedule %d: %w", i, err)
		}
		if err := c.sched.WeeklySchedule(uint8(i)).Store(v); err != nil {
			return fmt.Errorf("weekly schedule %d: %w", i, err)
		}
	}

	if err := c.sched.ResizeDailySchedulesArray(uint8(len(cfg.Daily))); err != nil {
		return fmt.Errorf("allocating daily schedules: %w", err)
	}
	for i, d := range cfg.Daily {
		v, err := d.Schedule(cfg.ZoneMinutes)
		if err != nil {
			return fmt.Errorf("daily schedule %d: %w", i, err)
		}
		if err := c.sched.DailySchedule(uint8(i)).Store(v); err != nil {
			return fmt.Errorf("daily schedule %d: %w", i, err)
		}
	}
	return nil
}

func (c *Controller) loadModules(cfg *config.Config) error {
	modules := make([]remote.Module, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if m.ID < 1 || m.ID > 255 {
			return fmt.Errorf("module id %d out of range", m.ID)
		}
		modules = append(modules, remote.NewRelay(remote.ModuleID(m.ID)))
	}
	var err error
	c.modules, err = remote.NewRegistry(modules...)
	if err != nil {
		return fmt.Errorf("creating modules: %w", err)
	}

	for _, r := range cfg.Routes {
		id, ok := c.valves.Lookup(r.Valve)
		if !ok {
			return fmt.Errorf("route: unknown valve %q", r.Valve)
		}
		relay, ok := c.modules.Relay(remote.ModuleID(r.Module))
		if !ok {
			return fmt.Errorf("route for %q: no relay module %d", r.Valve, r.Module)
		}
		if err := relay.SetOutput(r.Output, false); err != nil {
			return fmt.Errorf("route for %q: %w", r.Valve, err)
		}
		c.routes[id] = route{relay: relay, output: r.Output}
	}
	return nil
}

// Tick advances the controller to now. ticks drives the bus timing.
func (c *Controller) Tick(now clock.Timestamp, ticks clock.Ticks) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now, c.ticks = now, ticks
	c.sched.Tick(now)
	c.publish(c.valves.Apply())

	c.modules.Tick(ticks, c.bus)
	if c.loopback != nil {
		c.loopback.Deliver(ticks, c.modules)
	}
}

// publish routes flipped valves to their relay outputs and reports them.
func (c *Controller) publish(changes []valve.Change) {
	for _, ch := range changes {
		if r, ok := c.routes[ch.Valve]; ok {
			_ = r.relay.SetOutput(r.output, ch.On)
		}
		name := c.valves.Name(ch.Valve)
		c.logger.Info("valve changed", "valve", name, "on", ch.On, "at", c.now.String())
		if c.recorder != nil {
			c.recorder(Event{At: c.now, Valve: ch.Valve, Name: name, On: ch.On})
		}
	}
}

// Run ticks the controller from src every interval until ctx is done, then
// closes every valve.
func (c *Controller) Run(ctx context.Context, src clock.Source, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.logger.Info("controller starting", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Tick(src.Now(), src.Ticks())
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			c.logger.Info("controller stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			c.Tick(src.Now(), src.Ticks())
		}
	}
}

// Shutdown stops every sequence and closes every valve. Relay targets
// follow; they reach the modules on later ticks.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.sched.SequenceCount(); i++ {
		_ = c.sched.ValveSequence(uint8(i)).Stop()
	}
	c.publish(c.valves.ShutAll())
}

// Ops is what an operator callback may touch. It is valid only inside Do.
type Ops struct {
	Now       clock.Timestamp
	Scheduler *scheduler.Scheduler
	Valves    *valve.Registry
	Pool      *arena.Pool
}

// Do runs fn between ticks.
func (c *Controller) Do(fn func(Ops) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(Ops{Now: c.now, Scheduler: c.sched, Valves: c.valves, Pool: c.pool})
}

// Faults returns the controller's fault register.
func (c *Controller) Faults() *fault.Register {
	return c.faults
}

// Close releases the scheduler's arena storage. The controller must not be
// ticked afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched.Close()
}
