package telemetry

import (
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/join-proxy/internal/join"
)

// CoordinatorObserver feeds coordinator events into Metrics and the debug log.
type CoordinatorObserver struct {
	Metrics *Metrics
}

// On implements join.Observer.
func (o *CoordinatorObserver) On(data join.EventData) {
	if data.Err != nil {
		logrus.WithFields(logrus.Fields{
			"key":   data.Key.String(),
			"event": data.Event.String(),
		}).Debugf("Coordinator event: %v", data.Err)
	} else {
		logrus.WithFields(logrus.Fields{
			"key":   data.Key.String(),
			"event": data.Event.String(),
		}).Debug("Coordinator event")
	}

	m := o.Metrics
	if m == nil {
		return
	}
	switch data.Event {
	case join.EventHit:
		m.CacheHits.Inc()
	case join.EventMiss:
		m.CacheMisses.Inc()
	case join.EventJoin:
		m.Joins.Inc()
	case join.EventTimeout:
		m.FollowerTimeouts.Inc()
	case join.EventFetchError:
		m.FetchErrors.Inc()
	case join.EventStoreError:
		m.StoreErrors.Inc()
	}
}
