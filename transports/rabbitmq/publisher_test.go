package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/docflow-go/contracts"
)

func sampleEvent() contracts.Event {
	event := contracts.BaseEvent{
		BaseMessage: contracts.NewBaseMessage("StageCompletedEvent"),
		AggregateID: "session-1",
		Sequence:    4,
		Source:      "pipeline",
	}
	event.SetCorrelationID("corr-1")
	return &event
}

func TestBuildPublishing(t *testing.T) {
	t.Run("carries message identity onto the wire", func(t *testing.T) {
		event := sampleEvent()

		key, publishing, err := buildPublishing(event)
		require.NoError(t, err)

		assert.Equal(t, "evt.StageCompletedEvent.session-1", key)
		assert.Equal(t, "application/json", publishing.ContentType)
		assert.Equal(t, event.GetID(), publishing.MessageId)
		assert.Equal(t, "StageCompletedEvent", publishing.Type)
		assert.Equal(t, "corr-1", publishing.CorrelationId)
		assert.Equal(t, "session-1", publishing.Headers["aggregateId"])
		assert.Equal(t, int64(4), publishing.Headers["sequence"])

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(publishing.Body, &decoded))
		assert.Equal(t, "session-1", decoded["aggregateId"])
	})

	t.Run("omits correlation id when unset", func(t *testing.T) {
		event := &contracts.BaseEvent{
			BaseMessage: contracts.NewBaseMessage("RunFinishedEvent"),
			AggregateID: "session-2",
		}

		_, publishing, err := buildPublishing(event)
		require.NoError(t, err)
		assert.Empty(t, publishing.CorrelationId)
	})
}

func TestPublisherOptions(t *testing.T) {
	cfg := &PublisherConfig{
		Exchange:       "docflow.events",
		Reliable:       true,
		ConfirmTimeout: 5 * time.Second,
	}
	for _, opt := range []PublisherOption{
		WithExchange("custom.events"),
		WithReliablePublishing(false),
		WithConfirmTimeout(time.Second),
	} {
		opt(cfg)
	}

	assert.Equal(t, "custom.events", cfg.Exchange)
	assert.False(t, cfg.Reliable)
	assert.Equal(t, time.Second, cfg.ConfirmTimeout)
}

func TestConnectRejectsEmptyURL(t *testing.T) {
	publisher, err := Connect("")
	require.Error(t, err)
	assert.Nil(t, publisher)
}

func TestClosedPublisherRejectsPublish(t *testing.T) {
	publisher := &Publisher{}
	err := publisher.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
