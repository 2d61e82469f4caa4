// Package janitor runs the periodic housekeeping loops: response-cache
// sweeps, webhook dedupe reaping, rate-limit window pruning, and the
// stuck-session sweep. Each job is a ticker loop returning how many
// entries it reclaimed.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/coderelay/relay/internal/observability"
)

// Job is one housekeeping pass. It returns the number of entries
// reclaimed.
type Job func() int

type job struct {
	name     string
	interval time.Duration
	run      Job
}

// Janitor owns the housekeeping loops.
type Janitor struct {
	logger *observability.Logger

	mu   sync.Mutex
	jobs []job

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an idle janitor. Register jobs, then Start.
func New(logger *observability.Logger) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a named job. Must be called before Start.
func (j *Janitor) Register(name string, interval time.Duration, fn Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if interval <= 0 {
		interval = time.Minute
	}
	j.jobs = append(j.jobs, job{name: name, interval: interval, run: fn})
}

// Start launches one loop per registered job.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	for _, jb := range j.jobs {
		j.wg.Add(1)
		go j.loop(jb)
	}
	j.logger.Info(j.ctx, "janitor started", "jobs", len(j.jobs))
}

// Stop halts all loops and waits for them to exit.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

// RunOnce runs every registered job a single time, immediately.
func (j *Janitor) RunOnce() {
	j.mu.Lock()
	jobs := append([]job(nil), j.jobs...)
	j.mu.Unlock()
	for _, jb := range jobs {
		j.runJob(jb)
	}
}

func (j *Janitor) loop(jb job) {
	defer j.wg.Done()
	ticker := time.NewTicker(jb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.runJob(jb)
		}
	}
}

func (j *Janitor) runJob(jb job) {
	started := time.Now()
	reclaimed := jb.run()
	if reclaimed > 0 {
		j.logger.Info(j.ctx, "janitor pass",
			"job", jb.name, "reclaimed", reclaimed, "took_ms", time.Since(started).Milliseconds())
	} else {
		j.logger.Debug(j.ctx, "janitor pass clean", "job", jb.name)
	}
}
