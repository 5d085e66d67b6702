package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meter-collector/internal/collector"
)

type fakeToken struct {
	mqtt.Token
	completed bool
	err       error
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.completed }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mqtt.Client
	token        *fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func cycle() collector.CycleResult {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return collector.CycleResult{
		CycleID:           "c1",
		Trigger:           collector.TriggerScheduled,
		StartTime:         start,
		EndTime:           start.Add(1500 * time.Millisecond),
		MetersProcessed:   3,
		ReadingsCollected: 7,
		Success:           true,
		Errors: []collector.CollectionError{
			{MeterID: "M1", DataPoint: "voltage", Operation: collector.OpRead},
			{MeterID: "M2", Operation: collector.OpConnect},
			{MeterID: "M3", DataPoint: "current", Operation: collector.OpRead},
		},
	}
}

func TestPublishCycle(t *testing.T) {
	client := &fakeClient{token: &fakeToken{completed: true}}
	p := NewPublisher(client, "agent-7", "meters/agent-7/cycles", 1, time.Second, zap.NewNop())

	require.NoError(t, p.PublishCycle(cycle()))
	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "meters/agent-7/cycles", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var got CycleSummary
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "agent-7", got.AgentID)
	assert.Equal(t, "c1", got.CycleID)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.Equal(t, 3, got.ErrorCount)
	assert.Equal(t, map[collector.Operation]int{collector.OpRead: 2, collector.OpConnect: 1}, got.ErrorsByOperation)

	p.Close()
	assert.True(t, client.disconnected)
}

func TestPublishCycleFailures(t *testing.T) {
	p := NewPublisher(&fakeClient{token: &fakeToken{completed: false}}, "a", "t", 0, time.Millisecond, nil)
	assert.ErrorIs(t, p.PublishCycle(cycle()), ErrPublishTimeout)

	brokerErr := errors.New("not authorized")
	p = NewPublisher(&fakeClient{token: &fakeToken{completed: true, err: brokerErr}}, "a", "t", 0, 0, nil)
	assert.ErrorIs(t, p.PublishCycle(cycle()), brokerErr)
}

func TestSummarizeWithoutErrors(t *testing.T) {
	s := Summarize("a", collector.CycleResult{CycleID: "c2", Success: true})
	assert.Nil(t, s.ErrorsByOperation)
	assert.Zero(t, s.DurationMs)
}
