package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"meter-collector/internal/collector"
	"meter-collector/internal/config"
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// CycleSummary is the message published after every cycle.
type CycleSummary struct {
	AgentID           string                      `json:"agent_id"`
	CycleID           string                      `json:"cycle_id"`
	Trigger           string                      `json:"trigger"`
	StartTime         time.Time                   `json:"start_time"`
	EndTime           time.Time                   `json:"end_time"`
	DurationMs        int64                       `json:"duration_ms"`
	MetersProcessed   int                         `json:"meters_processed"`
	ReadingsCollected int                         `json:"readings_collected"`
	ErrorCount        int                         `json:"error_count"`
	ErrorsByOperation map[collector.Operation]int `json:"errors_by_operation,omitempty"`
	Success           bool                        `json:"success"`
	Interrupted       bool                        `json:"interrupted"`
}

func Summarize(agentID string, res collector.CycleResult) CycleSummary {
	s := CycleSummary{
		AgentID:           agentID,
		CycleID:           res.CycleID,
		Trigger:           res.Trigger,
		StartTime:         res.StartTime,
		EndTime:           res.EndTime,
		DurationMs:        res.Duration().Milliseconds(),
		MetersProcessed:   res.MetersProcessed,
		ReadingsCollected: res.ReadingsCollected,
		ErrorCount:        len(res.Errors),
		Success:           res.Success,
		Interrupted:       res.Interrupted,
	}
	if len(res.Errors) > 0 {
		s.ErrorsByOperation = make(map[collector.Operation]int)
		for _, e := range res.Errors {
			s.ErrorsByOperation[e.Operation]++
		}
	}
	return s
}

// Publisher sends cycle summaries to an MQTT broker.
type Publisher struct {
	client  mqtt.Client
	agentID string
	topic   string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// Connect dials the broker described by cfg and returns a publisher for topic.
func Connect(cfg config.MQTTConfig, agentID, topic string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("mqtt")
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "meter-collector-" + agentID
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if cfg.PublishTimeout.Duration > 0 {
		opts.SetConnectTimeout(cfg.PublishTimeout.Duration)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return NewPublisher(client, agentID, topic, cfg.QoS, cfg.PublishTimeout.Duration, logger), nil
}

// NewPublisher constructs a publisher that sends cycle summaries to topic.
func NewPublisher(client mqtt.Client, agentID, topic string, qos byte, timeout time.Duration, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		client:  client,
		agentID: agentID,
		topic:   topic,
		qos:     qos,
		timeout: timeout,
		logger:  logger.Named("mqtt"),
	}
}

// PublishCycle publishes the summary of res and waits for the broker to
// acknowledge it, up to the publish timeout.
func (p *Publisher) PublishCycle(res collector.CycleResult) error {
	payload, err := json.Marshal(Summarize(p.agentID, res))
	if err != nil {
		return fmt.Errorf("marshal cycle summary: %w", err)
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: cycle %s after %s", ErrPublishTimeout, res.CycleID, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish cycle %s: %w", res.CycleID, err)
	}
	p.logger.Debug("cycle summary published", zap.String("topic", p.topic), zap.String("cycle_id", res.CycleID))
	return nil
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
