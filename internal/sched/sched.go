// Package sched provides a periodic scheduler that fires configured cron
// schedules and the heartbeat by publishing events on the bus.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Schedules []config.Schedule
	Bus       *bus.Bus
	Logger    *slog.Logger

	// Heartbeat is the period between heartbeat events; zero disables them.
	Heartbeat time.Duration

	// Clients reports the number of connected sockets for heartbeat events.
	Clients func() int

	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// entry is a parsed schedule with its computed next run time.
type entry struct {
	name    string
	topic   string
	payload map[string]any
	expr    cronlib.Schedule
	next    time.Time
}

// Scheduler periodically checks for due schedules and publishes an event
// for each one. It also emits heartbeat events at the configured period.
type Scheduler struct {
	bus       *bus.Bus
	logger    *slog.Logger
	interval  time.Duration
	heartbeat time.Duration
	clients   func() int

	mu      sync.Mutex
	entries []*entry

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config. Schedules with
// invalid cron expressions are logged and skipped rather than failing startup.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		bus:       cfg.Bus,
		logger:    logger,
		interval:  interval,
		heartbeat: cfg.Heartbeat,
		clients:   cfg.Clients,
	}

	now := time.Now()
	for _, sc := range cfg.Schedules {
		expr, err := cronParser.Parse(sc.Cron)
		if err != nil {
			logger.Warn("sched: skipping schedule with invalid cron expression",
				"schedule_name", sc.Name,
				"cron_expr", sc.Cron,
				"error", err,
			)
			continue
		}
		topic := sc.Event
		if topic == "" {
			topic = bus.TopicScheduleFired
		}
		s.entries = append(s.entries, &entry{
			name:    sc.Name,
			topic:   topic,
			payload: sc.Payload,
			expr:    expr,
			next:    expr.Next(now),
		})
	}
	return s
}

// ScheduleCount returns the number of schedules that parsed successfully.
func (s *Scheduler) ScheduleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.startedAt = time.Now()
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sched: scheduler started",
		"schedules", s.ScheduleCount(),
		"interval", s.interval,
		"heartbeat", s.heartbeat,
	)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sched: scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval,
// fires due schedules, and emits heartbeats on their own ticker. A nil
// heartbeat channel (period zero) blocks that select arm forever.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		ht := time.NewTicker(s.heartbeat)
		defer ht.Stop()
		heartbeat = ht.C
	}

	// Fire immediately on startup, then on each tick.
	s.tick(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		case <-heartbeat:
			s.publishHeartbeat()
		}
	}
}

// tick fires every schedule whose next run time has passed.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		s.fire(e, now)
	}
}

// fire publishes the schedule's event and advances its next run time.
// Callers must hold s.mu.
func (s *Scheduler) fire(e *entry, now time.Time) {
	if s.bus != nil {
		s.bus.Publish(e.topic, bus.ScheduleEvent{
			Name:    e.name,
			Payload: e.payload,
		})
	}
	e.next = e.expr.Next(now)
	s.logger.Info("sched: schedule fired",
		"schedule_name", e.name,
		"topic", e.topic,
		"next_run_at", e.next,
	)
}

func (s *Scheduler) publishHeartbeat() {
	clients := 0
	if s.clients != nil {
		clients = s.clients()
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{
			At:      time.Now().UTC(),
			Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
			Clients: clients,
		})
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
