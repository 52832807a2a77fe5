package contracts

import (
	"time"
)

// Message is the base interface for everything published by the pipeline.
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Event is a message describing something that has already happened to a
// processing session.
type Event interface {
	Message
	GetAggregateID() string
	GetSequence() int64
}
