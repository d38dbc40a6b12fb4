package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
)

// Trigger computes a job's firing times. A zero time means the trigger is
// exhausted.
type Trigger interface {
	Next(after time.Time) time.Time
	Describe() string
}

type cronTrigger struct {
	spec string
	expr *cronexpr.Expression
	loc  *time.Location
}

func (t cronTrigger) Next(after time.Time) time.Time {
	next := t.expr.Next(after.In(t.loc))
	if next.IsZero() {
		return time.Time{}
	}
	return next
}

func (t cronTrigger) Describe() string { return "cron " + t.spec }

type oneShotTrigger struct {
	at time.Time
}

func (t oneShotTrigger) Next(after time.Time) time.Time {
	if after.Before(t.at) {
		return t.at
	}
	return time.Time{}
}

func (t oneShotTrigger) Describe() string { return "once at " + t.at.Format(time.RFC3339) }

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	trigger Trigger
	fn      JobFunc

	paused   bool
	running  bool
	nextRun  time.Time
	lastRun  time.Time
	lastErr  string
	runs     int
	misfires int
}

// JobStatus is the externally visible state of one job.
type JobStatus struct {
	Name     string    `json:"name"`
	Trigger  string    `json:"trigger"`
	Paused   bool      `json:"paused"`
	Running  bool      `json:"running"`
	NextRun  time.Time `json:"next_run,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
	Misfires int       `json:"misfires"`
}

// Locker serialises job execution across processes. A nil Locker disables
// distributed locking.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SET NX on a shared Redis.
type RedisLocker struct {
	Client *redis.Client
	Owner  string
}

// Acquire takes the lock if free.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, key, l.Owner, ttl).Result()
}

// Release drops the lock if still owned.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	v, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if v != l.Owner {
		return nil
	}
	return l.Client.Del(ctx, key).Err()
}

// Scheduler drives time-triggered jobs over a coarse tick. Each job runs at
// most one instance at a time; a firing that comes due while the previous one
// is still running, or that was missed beyond the misfire grace, is coalesced
// into the next regular firing rather than stacked.
type Scheduler struct {
	*BaseAgent
	loc          *time.Location
	tickInterval time.Duration
	misfireGrace time.Duration
	locker       Locker
	lockTTL      time.Duration

	jobs     map[string]*job
	stopTick chan struct{}
}

// NewScheduler creates a scheduler ticking at the given interval. locker may
// be nil for single-process deployments.
func NewScheduler(broker *bus.Broker, loc *time.Location, tickInterval, misfireGrace, lockTTL time.Duration, locker Locker) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if misfireGrace <= 0 {
		misfireGrace = 5 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Scheduler{
		BaseAgent:    NewBaseAgent("scheduler", broker),
		loc:          loc,
		tickInterval: tickInterval,
		misfireGrace: misfireGrace,
		locker:       locker,
		lockTTL:      lockTTL,
		jobs:         make(map[string]*job),
	}
}

// AddCronJob registers a recurring job. The cron expression is evaluated in
// the scheduler's timezone. Re-adding an existing name replaces its schedule.
func (s *Scheduler) AddCronJob(name, spec string, fn JobFunc) error {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing cron %q for job %s: %w", spec, name, err)
	}
	trigger := cronTrigger{spec: spec, expr: expr, loc: s.loc}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{
		name:    name,
		trigger: trigger,
		fn:      fn,
		nextRun: trigger.Next(time.Now()),
	}
	s.Logger().Printf("job %s scheduled: %s", name, trigger.Describe())
	return nil
}

// AddOneShot registers a job that fires once at the given time. Times in the
// past are rejected.
func (s *Scheduler) AddOneShot(name string, at time.Time, fn JobFunc) error {
	if !at.After(time.Now()) {
		return fmt.Errorf("one-shot job %s scheduled in the past: %s", name, at)
	}
	trigger := oneShotTrigger{at: at}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{
		name:    name,
		trigger: trigger,
		fn:      fn,
		nextRun: at,
	}
	s.Logger().Printf("job %s scheduled: %s", name, trigger.Describe())
	return nil
}

// Pause suspends a job's firings; its schedule keeps advancing.
func (s *Scheduler) Pause(name string) error { return s.setPaused(name, true) }

// Resume re-enables a paused job from its next regular firing.
func (s *Scheduler) Resume(name string) error { return s.setPaused(name, false) }

func (s *Scheduler) setPaused(name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	j.paused = paused
	if !paused {
		j.nextRun = j.trigger.Next(time.Now())
	}
	return nil
}

// Remove deletes a job. A running instance finishes undisturbed.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	delete(s.jobs, name)
	return nil
}

// Reschedule swaps a job's cron expression, keeping its function and history.
func (s *Scheduler) Reschedule(name, spec string) error {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing cron %q for job %s: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	j.trigger = cronTrigger{spec: spec, expr: expr, loc: s.loc}
	j.nextRun = j.trigger.Next(time.Now())
	return nil
}

// Jobs lists all jobs sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:     j.name,
			Trigger:  j.trigger.Describe(),
			Paused:   j.paused,
			Running:  j.running,
			NextRun:  j.nextRun,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
			Runs:     j.runs,
			Misfires: j.misfires,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.Running() {
		return nil
	}
	if err := s.BaseAgent.Start(ctx); err != nil {
		return err
	}
	s.stopTick = make(chan struct{})
	go s.loop(ctx, s.stopTick)
	return nil
}

// Stop halts the tick loop. Running job instances finish on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.Running() {
		return nil
	}
	close(s.stopTick)
	return s.BaseAgent.Stop(ctx)
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue launches every job whose firing time has passed. One firing per
// due job per tick; schedules advance from now, never from the missed slot.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.nextRun.IsZero() || now.Before(j.nextRun) {
			continue
		}
		missed := now.Sub(j.nextRun)
		j.nextRun = j.trigger.Next(now)
		if j.paused {
			continue
		}
		if missed > s.misfireGrace {
			j.misfires++
			s.Logger().Printf("job %s misfired by %s, coalescing to next firing", j.name, missed.Round(time.Second))
			continue
		}
		if j.running {
			j.misfires++
			s.Logger().Printf("job %s still running, skipping overlapping firing", j.name)
			continue
		}
		j.running = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		go s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	if s.locker != nil {
		key := "maildigest:sched:" + j.name
		ok, err := s.locker.Acquire(ctx, key, s.lockTTL)
		if err != nil {
			s.Logger().Printf("job %s lock acquire failed: %v", j.name, err)
			return
		}
		if !ok {
			s.Logger().Printf("job %s held elsewhere, skipping", j.name)
			return
		}
		defer func() {
			if err := s.locker.Release(ctx, key); err != nil {
				s.Logger().Printf("job %s lock release failed: %v", j.name, err)
			}
		}()
	}

	started := time.Now()
	s.Logger().Printf("job %s firing", j.name)
	err := j.fn(ctx)
	elapsed := time.Since(started)

	s.mu.Lock()
	j.lastRun = started
	j.runs++
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.Logger().Printf("job %s failed after %s: %v", j.name, elapsed.Round(time.Millisecond), err)
		s.PublishError("scheduled:"+j.name, err, "")
		return
	}
	payload := bus.TaskCompleted{
		Task:          j.name,
		Status:        "success",
		ExecutionTime: elapsed,
	}
	if perr := s.Publish(bus.KindTaskCompleted, payload, ""); perr != nil {
		s.Logger().Printf("publishing completion for %s: %v", j.name, perr)
	}
}

// RegisterDefaultJobs installs the built-in daily digest run and the periodic
// health broadcast. The digest clock time is local to the scheduler's
// timezone.
func (s *Scheduler) RegisterDefaultJobs(orch *Orchestrator, digestHour, digestMinute int, healthCron string) error {
	digestSpec := fmt.Sprintf("%d %d * * *", digestMinute, digestHour)
	if err := s.AddCronJob("daily_digest", digestSpec, func(ctx context.Context) error {
		_, err := orch.RunFullPipeline(ctx)
		return err
	}); err != nil {
		return err
	}
	return s.AddCronJob("health_check", healthCron, func(ctx context.Context) error {
		for name, h := range orch.SystemHealth(ctx) {
			payload := bus.AgentStatus{Agent: name, Health: h, Timestamp: time.Now().UTC()}
			if err := s.Publish(bus.KindAgentStatus, payload, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// Execute dispatches a named operation with loosely typed parameters.
func (s *Scheduler) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	op, _ := params["operation"].(string)
	switch op {
	case "jobs", "":
		return map[string]any{"jobs": s.Jobs()}, nil
	case "pause":
		name, _ := params["name"].(string)
		return nil, s.Pause(name)
	case "resume":
		name, _ := params["name"].(string)
		return nil, s.Resume(name)
	default:
		return nil, unknownOperation(op)
	}
}

// HealthCheck extends the base snapshot with job counts.
func (s *Scheduler) HealthCheck(ctx context.Context) Health {
	h := s.BaseAgent.HealthCheck(ctx)
	jobs := s.Jobs()
	paused := 0
	for _, j := range jobs {
		if j.Paused {
			paused++
		}
	}
	h.Details = map[string]any{
		"jobs":   len(jobs),
		"paused": paused,
	}
	return h
}
