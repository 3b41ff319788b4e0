package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesafe/internal/alerts"
)

func TestNotifyPublishesEvent(t *testing.T) {
	sp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	defer sp.Close()

	rec := alerts.NewManager(0).TriggerZone("Dock", "Person")

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "site.alerts" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "GEOFENCE:Dock" {
			return errors.New("wrong key " + string(key))
		}
		value, _ := msg.Value.Encode()
		var ev AlertEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.ID != rec.ID || ev.Zone != "Dock" || ev.Object != "Person" || ev.Source != "north-gate" {
			return errors.New("unexpected event")
		}
		return nil
	})

	p := NewProducerWith(sp, Config{Topic: "site.alerts", Source: "north-gate"})
	assert.Equal(t, "kafka", p.Name())
	require.NoError(t, p.Notify(context.Background(), rec))
}

func TestNotifyReportsFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	defer sp.Close()
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerWith(sp, Config{})
	err := p.Notify(context.Background(), alerts.NewManager(0).Trigger("Violation detected: NO-Mask"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestMessageKey(t *testing.T) {
	assert.Equal(t, "PPE", MessageKey(alerts.Record{Type: alerts.TypePPE}))
	assert.Equal(t, "GEOFENCE:Gate", MessageKey(alerts.Record{Type: alerts.TypeGeofence, Zone: "Gate"}))
}

func TestNewProducerNeedsBrokers(t *testing.T) {
	_, err := NewProducer(Config{})
	assert.Error(t, err)
}
