package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/database"
	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

const (
	requestLogFlushInterval  = 2 * time.Second
	requestLogBatchThreshold = 5000
	requestLogInsertTimeout  = 30 * time.Second
	requestLogQueueSize      = 100_000
)

// RequestLog batches request records and rate limit events into bulk inserts so the
// request path never waits on the database.
type RequestLog struct {
	records chan domain.RequestRecord
	events  chan domain.RateLimitEvent

	flushInterval time.Duration
	threshold     int

	flushTracker sync.WaitGroup
	done         chan struct{}
}

func NewRequestLog() *RequestLog {
	return newRequestLog(requestLogQueueSize, requestLogFlushInterval, requestLogBatchThreshold)
}

func newRequestLog(queueSize int, flushInterval time.Duration, threshold int) *RequestLog {
	return &RequestLog{
		records:       make(chan domain.RequestRecord, queueSize),
		events:        make(chan domain.RateLimitEvent, queueSize),
		flushInterval: flushInterval,
		threshold:     threshold,
		done:          make(chan struct{}),
	}
}

// AddRequestRecord queues rec. A full queue drops the record.
func (l *RequestLog) AddRequestRecord(rec domain.RequestRecord) {
	select {
	case l.records <- rec:
	default:
		metrics.RequestLogDropped.Inc()
	}
}

func (l *RequestLog) AddRateLimitEvent(ev domain.RateLimitEvent) {
	select {
	case l.events <- ev:
	default:
		metrics.RequestLogDropped.Inc()
	}
}

// Run flushes on the timer or when a batch fills up. On cancellation the queues are
// drained and in-flight inserts awaited before Run returns.
func (l *RequestLog) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer close(l.done)

	var (
		records []domain.RequestRecord
		events  []domain.RateLimitEvent
	)
	timer := time.NewTimer(l.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain(&records, &events)
			l.flush(&records, &events)
			l.flushTracker.Wait()
			return
		case rec := <-l.records:
			records = append(records, rec)
			if len(records) >= l.threshold {
				l.flush(&records, &events)
				l.resetTimer(timer)
			}
		case ev := <-l.events:
			events = append(events, ev)
		case <-timer.C:
			l.flush(&records, &events)
			timer.Reset(l.flushInterval)
		}
	}
}

// Done is closed once Run has returned.
func (l *RequestLog) Done() <-chan struct{} {
	return l.done
}

func (l *RequestLog) flush(records *[]domain.RequestRecord, events *[]domain.RateLimitEvent) {
	if len(*records) == 0 && len(*events) == 0 {
		return
	}

	toInsert := *records
	toLog := *events
	*records = nil
	*events = nil

	l.flushTracker.Add(1)
	go func(recs []domain.RequestRecord, evs []domain.RateLimitEvent) {
		defer l.flushTracker.Done()

		dbCtx, cancel := context.WithTimeout(context.Background(), requestLogInsertTimeout)
		defer cancel()

		if err := database.InsertRequestRecords(dbCtx, recs); err != nil {
			metrics.RequestLogDropped.Add(float64(len(recs)))
			log.Error("Failed to insert request records", "error", err, "count", len(recs))
		}
		if err := database.InsertRateLimitEvents(dbCtx, evs); err != nil {
			log.Error("Failed to insert rate limit events", "error", err, "count", len(evs))
		}
	}(toInsert, toLog)
}

func (l *RequestLog) drain(records *[]domain.RequestRecord, events *[]domain.RateLimitEvent) {
	for {
		select {
		case rec := <-l.records:
			*records = append(*records, rec)
		case ev := <-l.events:
			*events = append(*events, ev)
		default:
			return
		}
	}
}

func (l *RequestLog) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(l.flushInterval)
}
