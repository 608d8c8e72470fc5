package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/auth"
	"github.com/animus-labs/snippet-marshal/internal/platform/httpserver"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

var ErrClosed = errors.New("pipeline: scheduler closed")

type jobState int

const (
	jobQueued jobState = iota
	jobStarted
	jobAbandoned
)

type job struct {
	stagingID   string
	autoPromote bool
	ctx         context.Context
	state       jobState
	lane        *lane
}

// lane is the FIFO queue of one engine, drained by as many goroutines as the
// engine has sandbox workers. queue is guarded by the scheduler mutex, which
// is also ready's lock.
type lane struct {
	queue []*job
	ready *sync.Cond
}

func (l *lane) remove(j *job) bool {
	for i, q := range l.queue {
		if q == j {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

type scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	lanes   map[domain.EngineID]*lane
	pending int
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *scheduler) init() {
	s.jobs = make(map[string]*job)
	s.lanes = make(map[domain.EngineID]*lane)
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// Enqueue schedules a STAGED record for execution. The caller's identity and
// request id are carried into the audit events the job emits.
func (p *Pipeline) Enqueue(ctx context.Context, stagingID string, autoPromote bool) error {
	rec, err := p.staging.GetStaging(ctx, stagingID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &domain.UnknownStagingIDError{StagingID: stagingID}
		}
		return err
	}
	switch rec.State() {
	case domain.StateStaged:
	case domain.StateAbandoned:
		return &domain.AbandonedError{StagingID: stagingID}
	default:
		return &domain.AlreadyVerifiedError{StagingID: stagingID, Status: rec.SpecResult.Status}
	}
	desc, err := p.engines.Resolve(rec.Language, rec.Engine)
	if err != nil {
		return err
	}

	s := &p.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[stagingID]; ok {
		return nil
	}
	if s.pending >= p.cfg.QueueCapacity {
		return &domain.QueueFullError{Capacity: p.cfg.QueueCapacity}
	}

	l, ok := s.lanes[rec.Engine]
	if !ok {
		l = &lane{ready: sync.NewCond(&s.mu)}
		s.lanes[rec.Engine] = l
		for i := 0; i < max(desc.Workers, 1); i++ {
			s.wg.Add(1)
			go p.drain(l)
		}
	}
	j := &job{stagingID: stagingID, autoPromote: autoPromote, ctx: carryCaller(s.ctx, ctx), lane: l}
	s.jobs[stagingID] = j
	s.pending++
	l.queue = append(l.queue, j)
	l.ready.Signal()
	p.logger.Debug("staging queued", "staging_id", stagingID, "engine", string(rec.Engine), "pending", s.pending)
	return nil
}

// running marks a synchronous attempt as started so Abandon refuses it. The
// returned func clears the mark.
func (s *scheduler) running(stagingID string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[stagingID]; ok {
		return func() {}
	}
	j := &job{stagingID: stagingID, state: jobStarted}
	s.jobs[stagingID] = j
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.jobs[stagingID] == j {
			delete(s.jobs, stagingID)
		}
	}
}

func carryCaller(base, caller context.Context) context.Context {
	if id, ok := auth.IdentityFromContext(caller); ok {
		base = auth.ContextWithIdentity(base, id)
	}
	if rid, ok := httpserver.RequestIDFromContext(caller); ok {
		base = httpserver.WithRequestID(base, rid)
	}
	return base
}

func (p *Pipeline) drain(l *lane) {
	defer p.sched.wg.Done()
	for {
		j, ok := p.sched.next(l)
		if !ok {
			return
		}
		p.runJob(j)
	}
}

// next blocks until the lane has a job or the scheduler closes.
func (s *scheduler) next(l *lane) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(l.queue) == 0 && !s.closed {
		l.ready.Wait()
	}
	if s.closed {
		return nil, false
	}
	j := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return j, true
}

func (p *Pipeline) runJob(j *job) {
	s := &p.sched
	defer func() {
		s.mu.Lock()
		if j.state == jobQueued {
			s.pending--
		}
		delete(s.jobs, j.stagingID)
		s.mu.Unlock()
	}()
	if j.ctx.Err() != nil {
		return
	}

	admit := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if j.state != jobQueued {
			return false
		}
		j.state = jobStarted
		s.pending--
		return true
	}
	res, err := p.Process(j.ctx, j.stagingID, j.autoPromote, admit)
	var abandoned *domain.AbandonedError
	switch {
	case errors.As(err, &abandoned):
		p.logger.Debug("skipping abandoned staging", "staging_id", j.stagingID)
	case errors.Is(err, context.Canceled):
		p.logger.Info("staging left queued at shutdown", "staging_id", j.stagingID)
	case err != nil:
		p.logger.Warn("staging processing failed", "staging_id", j.stagingID, "error", err)
	default:
		p.logger.Info("staging processed",
			"staging_id", j.stagingID,
			"state", string(res.Record.State()),
			"promoted", res.Promotion != nil,
		)
	}
}

// Abandon withdraws a STAGED attempt whose execution has not started.
// Abandoning twice returns the already abandoned record.
func (p *Pipeline) Abandon(ctx context.Context, stagingID string) (domain.StagingRecord, error) {
	s := &p.sched
	s.mu.Lock()
	if j, ok := s.jobs[stagingID]; ok {
		if j.state == jobStarted {
			s.mu.Unlock()
			return domain.StagingRecord{}, &domain.ExecutionStartedError{StagingID: stagingID, State: domain.StateStaged}
		}
		if j.state == jobQueued {
			j.state = jobAbandoned
			s.pending--
			if j.lane != nil && j.lane.remove(j) {
				delete(s.jobs, stagingID)
			}
		}
	}
	s.mu.Unlock()

	at := p.now().UTC().Truncate(time.Microsecond)
	rec, err := p.staging.MarkAbandoned(ctx, stagingID, at)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.StagingRecord{}, &domain.UnknownStagingIDError{StagingID: stagingID}
	case errors.Is(err, repo.ErrAlreadyVerified):
		return domain.StagingRecord{}, &domain.ExecutionStartedError{StagingID: stagingID, State: rec.State()}
	case err != nil:
		return domain.StagingRecord{}, err
	}
	if rec.PromotedAt == nil && rec.AbandonedAt != nil && rec.AbandonedAt.Equal(at) {
		p.appendEvent(ctx, rec, domain.EventStagingAbandoned, nil)
		p.logger.Info("staging abandoned", "staging_id", stagingID)
	}
	return rec, nil
}

// Pending reports how many queued attempts have not started.
func (p *Pipeline) Pending() int {
	p.sched.mu.Lock()
	defer p.sched.mu.Unlock()
	return p.sched.pending
}

// Resume queues every STAGED record, for example after a restart. It stops
// at the first queue-full error.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	recs, err := p.staging.ListStaging(ctx, repo.StagingFilter{State: domain.StateStaged})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if err := p.Enqueue(ctx, rec.StagingID, false); err != nil {
			var full *domain.QueueFullError
			if errors.As(err, &full) {
				return n, err
			}
			p.logger.Warn("resume staging", "staging_id", rec.StagingID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Close stops accepting work and drops queued attempts, which stay STAGED.
// Running attempts finish; Close waits for them until ctx ends.
func (p *Pipeline) Close(ctx context.Context) error {
	s := &p.sched
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancel()
		for _, l := range s.lanes {
			for _, j := range l.queue {
				if j.state == jobQueued {
					s.pending--
				}
				delete(s.jobs, j.stagingID)
			}
			l.queue = nil
			l.ready.Broadcast()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
