package alert

import (
	"strings"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
)

// Build assembles the configured sinks behind an async queue. The log sink is
// always present when nothing else is configured so alerts are never silently lost.
func Build(cfg config.Config) *Async {
	var sinks Fanout

	if cfg.Alerts.Log {
		sinks = append(sinks, LogDispatcher{})
	}

	if path := strings.TrimSpace(cfg.Alerts.File.Path); path != "" {
		file := cfg.Alerts.File
		sinks = append(sinks, NewFileDispatcher(path, file.MaxSizeMB, file.MaxBackups, file.Compress))
	}

	if len(cfg.Alerts.Kafka.Brokers) > 0 {
		k, err := NewKafkaDispatcher(cfg.Alerts.Kafka.Brokers, cfg.Alerts.Kafka.Topic)
		if err != nil {
			log.Warn("Kafka alert sink disabled", "error", err)
		} else {
			sinks = append(sinks, k)
		}
	}

	if len(sinks) == 0 {
		sinks = append(sinks, LogDispatcher{})
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Info("Alert sinks ready", "sinks", strings.Join(names, ","))

	return NewAsync(sinks, cfg.Alerts.QueueSize)
}
