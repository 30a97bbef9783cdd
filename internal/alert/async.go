package alert

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/metrics"
)

const sendTimeout = 10 * time.Second

// Async queues alerts for a background worker. Send never blocks: when the queue
// is full the alert is logged and dropped.
type Async struct {
	next  Dispatcher
	queue chan Alert

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsync(next Dispatcher, size int) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:  next,
		queue: make(chan Alert, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Name() string { return "async:" + a.next.Name() }

func (a *Async) Send(_ context.Context, alert Alert) error {
	select {
	case a.queue <- alert:
	default:
		metrics.Alerts.WithLabelValues(a.next.Name(), "dropped").Inc()
		log.Error("Alert queue full, dropping alert", "id", alert.ID, "ip", alert.IP, "reason", alert.Reason)
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for alert := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := a.next.Send(ctx, alert); err != nil {
			log.Error("Alert delivery failed", "id", alert.ID, "ip", alert.IP, "error", err)
		}
		cancel()
	}
}

// Close drains queued alerts and closes the wrapped dispatcher when it holds resources.
func (a *Async) Close() error {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
	if c, ok := a.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
