package bus

import (
	"fmt"
	"log/slog"
)

// Publisher fans one notification out to several rooms. A sink that panics
// is logged and skipped; the caller's committed state change stands.
type Publisher struct {
	Sink   Notifier
	Logger *slog.Logger
	// OnFailure, when set, is called once per failed delivery.
	OnFailure func()
}

// Publish delivers n to each room in order.
func (p Publisher) Publish(n Notification, rooms ...string) {
	if p.Sink == nil {
		return
	}
	for _, room := range rooms {
		if err := p.deliver(room, n); err != nil {
			if p.Logger != nil {
				p.Logger.Warn("notification dropped", "room", room, "event", n.Event, "error", err)
			}
			if p.OnFailure != nil {
				p.OnFailure()
			}
		}
	}
}

func (p Publisher) deliver(room string, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	p.Sink.Notify(room, n)
	return nil
}
