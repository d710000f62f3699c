package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// RecorderConfig sizes the timeline worker pool.
type RecorderConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// Recorder delivers timeline records off the request path. Records that do
// not fit in the buffer within HandoffTimeout are dropped and logged.
type Recorder struct {
	timeline Timeline
	jobs     chan domain.TimelineRecord
	timeout  time.Duration
	handoff  time.Duration
	logger   *log.Logger
	wg       sync.WaitGroup
	once     sync.Once
}

// NewRecorder starts cfg.Workers goroutines delivering to tl.
func NewRecorder(tl Timeline, cfg RecorderConfig, logger *log.Logger) *Recorder {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	r := &Recorder{
		timeline: tl,
		jobs:     make(chan domain.TimelineRecord, cfg.Buffer),
		timeout:  cfg.Timeout,
		handoff:  cfg.HandoffTimeout,
		logger:   logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	logger.Infof("timeline recorder started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return r
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()
	for rec := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.timeline.Record(ctx, rec)
		cancel()
		if err != nil {
			r.logger.WithError(err).WithFields(log.Fields{
				"project": rec.ProjectID,
				"entity":  rec.EntityID,
				"action":  rec.Action,
				"worker":  id,
			}).Error("timeline delivery failed")
		}
	}
}

// Submit hands rec to the pool. It reports false when the record was dropped.
func (r *Recorder) Submit(rec domain.TimelineRecord) bool {
	if r == nil {
		return false
	}
	if ok, closed := trySendNonBlocking(r.jobs, rec); closed {
		return false
	} else if ok {
		return true
	}
	if r.handoff > 0 {
		timer := time.NewTimer(r.handoff)
		defer timer.Stop()
		if ok, _ := sendWithTimer(r.jobs, rec, timer.C); ok {
			return true
		}
	}
	r.logger.WithFields(log.Fields{"project": rec.ProjectID, "entity": rec.EntityID, "action": rec.Action}).Warn("timeline buffer full, record dropped")
	return false
}

// Close stops accepting records and waits for the workers to drain the buffer.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.jobs) })
	r.wg.Wait()
}

func trySendNonBlocking(ch chan domain.TimelineRecord, rec domain.TimelineRecord) (ok bool, closed bool) {
	defer func() {
		if rv := recover(); rv != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- rec:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan domain.TimelineRecord, rec domain.TimelineRecord, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if rv := recover(); rv != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- rec:
		return true, false
	case <-timer:
		return false, false
	}
}
