package meetspot

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	pollMaxAttempts       = 20
	pollHealthyDelay      = 5 * time.Second
	pollFailureDelay      = 10 * time.Second
	pollDefaultRetryAfter = 60 * time.Second
)

type PollState int

const (
	PollIdle PollState = iota
	PollPolling
	PollRateLimited
	PollStopped
	PollCompleted
	PollFailed
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollPolling:
		return "polling"
	case PollRateLimited:
		return "rate_limited"
	case PollStopped:
		return "stopped"
	case PollCompleted:
		return "completed"
	case PollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s PollState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no status call will ever be made again.
func (s PollState) Terminal() bool {
	return s == PollCompleted || s == PollFailed
}

// Poller drives one meeting computation to a terminal status. Automatic
// attempts are bounded; a stopped poller can still be checked manually.
type Poller struct {
	resourceID string
	statusURL  string
	resultsURL string
	exec       *Executor
	sched      scheduler
	log        eventLogger
	stream     *eventStream[PollSnapshot]

	ctx    context.Context
	cancel context.CancelFunc

	// callMu keeps at most one status call in flight.
	callMu sync.Mutex
	// running counts calls admitted before Cancel.
	running sync.WaitGroup

	mu         sync.Mutex
	state      PollState
	attempts   int
	interval   time.Duration
	retryAfter time.Duration
	checking   bool
	status     string
	lastErr    string
	observedAt time.Time
	results    MeetingResults
	timer      pendingTimer
	gen        uint64
	cancelled  bool
}

func newPoller(resourceID, statusURL, resultsURL string, exec *Executor, sched scheduler, log eventLogger) *Poller {
	if sched == nil {
		sched = wallClockScheduler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		resourceID: resourceID,
		statusURL:  statusURL,
		resultsURL: resultsURL,
		exec:       exec,
		sched:      sched,
		log:        log,
		stream:     newEventStream[PollSnapshot](),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *Poller) ResourceID() string { return p.resourceID }

// Start schedules the first automatic attempt. Only an idle poller starts.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.cancelled || p.state != PollIdle {
		p.mu.Unlock()
		return
	}
	p.state = PollPolling
	p.scheduleLocked(0)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.log.info("poll.started", "resource_id", p.resourceID)
	p.stream.Publish(snap)
}

// CheckNow performs exactly one status call on behalf of the user. It never
// touches the automatic attempt budget, and any failure is returned.
func (p *Poller) CheckNow(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	release := context.AfterFunc(p.ctx, stop)
	defer release()

	p.callMu.Lock()
	defer p.callMu.Unlock()
	if !p.enter() {
		return errors.WithStack(ErrPollCancelled)
	}
	defer p.running.Done()

	p.mu.Lock()
	if p.state == PollCompleted {
		missing := p.results == nil
		p.mu.Unlock()
		if missing {
			return p.fetchResults(ctx)
		}
		return nil
	}
	p.checking = true
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.stream.Publish(snap)

	payload, err := p.fetchStatus(ctx)

	p.mu.Lock()
	p.checking = false
	if p.cancelled {
		p.mu.Unlock()
		return errors.WithStack(ErrPollCancelled)
	}
	if err != nil {
		p.lastErr = errorMessage(err)
		snap = p.snapshotLocked()
		p.mu.Unlock()
		p.stream.Publish(snap)
		p.log.warn("poll.manual.failed", "resource_id", p.resourceID, "error", err)
		return err
	}

	p.status = payload.Status
	p.lastErr = ""
	p.observedAt = time.Now().UTC()
	switch payload.Status {
	case StatusCompleted:
		p.finishLocked(PollCompleted)
		snap = p.snapshotLocked()
		p.mu.Unlock()
		p.stream.Publish(snap)
		p.log.info("poll.completed", "resource_id", p.resourceID, "trigger", "manual")
		return p.fetchResults(ctx)
	case StatusFailed:
		p.lastErr = firstNonEmpty(payload.Message, "computation failed")
		p.finishLocked(PollFailed)
	}
	snap = p.snapshotLocked()
	p.mu.Unlock()
	p.stream.Publish(snap)
	return nil
}

// FetchResults retries the results call of a completed poller.
func (p *Poller) FetchResults(ctx context.Context) error {
	p.callMu.Lock()
	defer p.callMu.Unlock()
	if !p.enter() {
		return errors.WithStack(ErrPollCancelled)
	}
	defer p.running.Done()

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != PollCompleted {
		return errors.Errorf("results are not ready: poll is %s", state)
	}
	return p.fetchResults(ctx)
}

// Cancel stops all timers and in-flight calls. No transition happens after
// it returns. Safe to call more than once.
func (p *Poller) Cancel() {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	p.cancelled = true
	p.gen++
	p.stopTimerLocked()
	p.mu.Unlock()

	p.cancel()
	p.stream.Close()
	p.log.info("poll.cancelled", "resource_id", p.resourceID)
}

// wait blocks until every call admitted before Cancel has returned.
func (p *Poller) wait() {
	p.running.Wait()
}

// enter admits one call unless the poller is cancelled. The caller must
// call p.running.Done once admitted.
func (p *Poller) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.running.Add(1)
	return true
}

func (p *Poller) Snapshot() PollSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Poller) Subscribe() (<-chan PollSnapshot, func()) {
	return p.stream.Subscribe()
}

// Results returns the results payload once it has been fetched.
func (p *Poller) Results() (MeetingResults, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results == nil {
		return nil, false
	}
	return append(MeetingResults(nil), p.results...), true
}

func (p *Poller) runAutomatic(gen uint64) {
	p.callMu.Lock()
	defer p.callMu.Unlock()
	if !p.enter() {
		return
	}
	defer p.running.Done()

	p.mu.Lock()
	if p.cancelled || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	if p.attempts >= pollMaxAttempts {
		p.state = PollStopped
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.stream.Publish(snap)
		return
	}
	p.state = PollPolling
	p.retryAfter = 0
	p.mu.Unlock()

	payload, err := p.fetchStatus(p.ctx)

	p.mu.Lock()
	if p.cancelled || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.observedAt = time.Now().UTC()

	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr) && reqErr.Status == http.StatusTooManyRequests:
		delay := reqErr.RetryAfter
		if delay <= 0 {
			delay = pollDefaultRetryAfter
		}
		p.state = PollRateLimited
		p.retryAfter = delay
		p.lastErr = ""
		p.scheduleLocked(delay)
		p.log.info("poll.rate_limited", "resource_id", p.resourceID, "retry_after", delay, "attempts", p.attempts)

	case err != nil:
		p.attempts++
		p.lastErr = errorMessage(err)
		p.log.warn("poll.attempt.failed", "resource_id", p.resourceID, "attempt", p.attempts, "error", err)
		p.continueLocked(pollFailureDelay)

	case payload.Status == StatusCompleted:
		p.attempts++
		p.status = payload.Status
		p.lastErr = ""
		p.finishLocked(PollCompleted)
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.stream.Publish(snap)
		p.log.info("poll.completed", "resource_id", p.resourceID, "trigger", "automatic", "attempts", snap.Attempts)
		if err := p.fetchResults(p.ctx); err != nil {
			p.log.warn("poll.results.failed", "resource_id", p.resourceID, "error", err)
		}
		return

	case payload.Status == StatusFailed:
		p.attempts++
		p.status = payload.Status
		p.lastErr = firstNonEmpty(payload.Message, "computation failed")
		p.finishLocked(PollFailed)
		p.log.error("poll.computation.failed", "resource_id", p.resourceID, "message", p.lastErr)

	default:
		p.attempts++
		p.status = payload.Status
		p.lastErr = ""
		p.continueLocked(pollHealthyDelay)
	}

	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.stream.Publish(snap)
}

// continueLocked schedules the next automatic attempt, or stops once the
// budget is spent.
func (p *Poller) continueLocked(delay time.Duration) {
	if p.attempts >= pollMaxAttempts {
		p.state = PollStopped
		p.stopTimerLocked()
		p.log.info("poll.stopped", "resource_id", p.resourceID, "attempts", p.attempts)
		return
	}
	p.state = PollPolling
	p.scheduleLocked(delay)
}

func (p *Poller) finishLocked(state PollState) {
	p.state = state
	p.retryAfter = 0
	p.gen++
	p.stopTimerLocked()
}

func (p *Poller) scheduleLocked(delay time.Duration) {
	p.stopTimerLocked()
	p.gen++
	gen := p.gen
	p.interval = delay
	p.timer = p.sched.AfterFunc(delay, func() {
		p.runAutomatic(gen)
	})
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) fetchStatus(ctx context.Context) (StatusPayload, error) {
	var payload StatusPayload
	outcome, err := p.exec.Execute(ctx, Request{Method: http.MethodGet, URL: p.statusURL})
	if err != nil {
		return payload, err
	}
	if err := outcome.Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// fetchResults must be called with callMu held.
func (p *Poller) fetchResults(ctx context.Context) error {
	outcome, err := p.exec.Execute(ctx, Request{Method: http.MethodGet, URL: p.resultsURL})
	if err == nil {
		err = outcome.Err()
	}

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return errors.WithStack(ErrPollCancelled)
	}
	if err != nil {
		p.lastErr = errorMessage(err)
	} else {
		p.results = append(MeetingResults(nil), outcome.Body...)
		if p.results == nil {
			p.results = MeetingResults("null")
		}
		p.lastErr = ""
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.stream.Publish(snap)

	if err != nil {
		return err
	}
	p.log.info("poll.results.fetched", "resource_id", p.resourceID, "bytes", len(outcome.Body))
	return nil
}

func (p *Poller) snapshotLocked() PollSnapshot {
	return PollSnapshot{
		ResourceID: p.resourceID,
		State:      p.state,
		Attempts:   p.attempts,
		Interval:   p.interval,
		RetryAfter: p.retryAfter,
		Checking:   p.checking,
		Status:     p.status,
		LastError:  p.lastErr,
		ObservedAt: p.observedAt,
	}
}

func errorMessage(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}
	return err.Error()
}
