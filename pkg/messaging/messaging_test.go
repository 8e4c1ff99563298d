package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/settledrain/pkg/messaging"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (r *recordingPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return r.err
}

func TestNewEvent(t *testing.T) {
	t.Run("should wrap payload in envelope", func(t *testing.T) {
		payload := messaging.ItemEvent{
			ChargeID:   "ch_001",
			ProviderID: "prov_a",
			Amount:     "125.00",
			Decision:   "accepted",
		}

		event, err := messaging.NewEvent(messaging.SubjectItemAdmitted, "abc123", payload)
		require.NoError(t, err)

		assert.Equal(t, messaging.SubjectItemAdmitted, event.Type)
		assert.Equal(t, "abc123", event.EvidenceHash)
		assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", event.ID.String())
		assert.False(t, event.TimestampUTC.IsZero())
		assert.Equal(t, "settledrain", event.Source)
	})

	t.Run("should round-trip typed payload", func(t *testing.T) {
		payload := messaging.StopLossEvent{
			Gate:   "dlq_depth",
			Reason: "dlq_not_empty",
			Value:  "3",
			Limit:  "0",
		}

		event, err := messaging.NewEvent(messaging.SubjectStopLossTriggered, "", payload)
		require.NoError(t, err)

		parsed, err := messaging.ParseEventData[messaging.StopLossEvent](event)
		require.NoError(t, err)
		assert.Equal(t, payload, *parsed)
	})
}

func TestFanout(t *testing.T) {
	t.Run("should deliver to every sink", func(t *testing.T) {
		a := &recordingPublisher{}
		b := &recordingPublisher{}
		fan := messaging.Fanout{a, b}

		err := fan.Publish(context.Background(), messaging.SubjectDrainStarted, map[string]string{"mode": "band2"})
		require.NoError(t, err)

		assert.Equal(t, []string{messaging.SubjectDrainStarted}, a.subjects)
		assert.Equal(t, []string{messaging.SubjectDrainStarted}, b.subjects)
	})

	t.Run("should keep delivering after a sink fails", func(t *testing.T) {
		failing := &recordingPublisher{err: errors.New("broker down")}
		healthy := &recordingPublisher{}
		fan := messaging.Fanout{failing, healthy}

		err := fan.Publish(context.Background(), messaging.SubjectPageRaised, messaging.PageEvent{Severity: "critical"})
		assert.Error(t, err)
		assert.Len(t, healthy.subjects, 1)
	})
}

func TestNopPublisher(t *testing.T) {
	t.Run("should discard silently", func(t *testing.T) {
		var p messaging.NopPublisher
		err := p.Publish(context.Background(), messaging.SubjectLedgerSealed, nil)
		assert.NoError(t, err)
	})
}
