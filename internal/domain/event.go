package domain

import "time"

// Event is a normalized inbound message, independent of the platform that
// delivered it.
type Event struct {
	Scope      ScopeID
	MessageID  string
	IsMedia    bool
	IsText     bool
	IsForward  bool
	ReceivedAt time.Time
}

// EventBus carries normalized events from platform adapters to the intake loop.
type EventBus interface {
	Publish(ev Event) bool
	Subscribe() <-chan Event
	Close()
}
