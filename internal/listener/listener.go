// Package listener consumes waiver events from the message bus, recomputes
// the decisions each event can affect and publishes an update message for
// every decision that changed.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidahmann/gatewave/core/decision"
	"github.com/davidahmann/gatewave/core/subject"
	"github.com/davidahmann/gatewave/internal/config"
)

// waiverEvent is the wire shape of a new-waiver message.
type waiverEvent struct {
	ID                int64  `json:"id"`
	SubjectType       string `json:"subject_type"`
	SubjectIdentifier string `json:"subject_identifier"`
	ProductVersion    string `json:"product_version"`
	TestCase          string `json:"testcase"`
	Timestamp         string `json:"timestamp"`
}

// decisionUpdate is the message published when a decision changed.
type decisionUpdate struct {
	MessageID         string         `json:"message_id"`
	DecisionContext   string         `json:"decision_context"`
	ProductVersion    string         `json:"product_version"`
	SubjectType       string         `json:"subject_type"`
	SubjectIdentifier string         `json:"subject_identifier"`
	PoliciesSatisfied bool           `json:"policies_satisfied"`
	Summary           string         `json:"summary"`
	Previous          map[string]any `json:"previous"`
}

// Listener runs a consumer group over the waiver topic.
type Listener struct {
	engine        *decision.Engine
	logger        *zap.Logger
	group         sarama.ConsumerGroup
	producer      sarama.SyncProducer
	waiverTopic   string
	decisionTopic string
}

func New(cfg config.ListenerConfig, engine *decision.Engine, logger *zap.Logger) (*Listener, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers configured")
	}
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		_ = group.Close()
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &Listener{
		engine:        engine,
		logger:        logger,
		group:         group,
		producer:      producer,
		waiverTopic:   cfg.WaiverTopic,
		decisionTopic: cfg.DecisionTopic,
	}, nil
}

// Run consumes until the context is canceled.
func (l *Listener) Run(ctx context.Context) error {
	handler := &groupHandler{listener: l}
	for {
		err := l.group.Consume(ctx, []string{l.waiverTopic}, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			l.logger.Error("consumer group session failed", zap.Error(err))
		}
	}
}

func (l *Listener) Close() error {
	groupErr := l.group.Close()
	producerErr := l.producer.Close()
	if groupErr != nil {
		return groupErr
	}
	return producerErr
}

type groupHandler struct {
	listener *Listener
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.listener.handleMessage(session.Context(), message.Value)
		session.MarkMessage(message, "")
	}
	return nil
}

// handleMessage never fails the claim: a malformed or unprocessable event
// is logged and skipped so one bad message cannot wedge the partition.
func (l *Listener) handleMessage(ctx context.Context, payload []byte) {
	messagesTotal.Inc()

	var event waiverEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		messagesDropped.Inc()
		l.logger.Warn("malformed waiver event", zap.Error(err))
		return
	}
	if event.SubjectType == "" || event.SubjectIdentifier == "" || event.TestCase == "" {
		messagesDropped.Inc()
		l.logger.Warn("incomplete waiver event",
			zap.String("subject_type", event.SubjectType),
			zap.String("testcase", event.TestCase))
		return
	}

	subj := subject.Subject{Type: event.SubjectType, Identifier: event.SubjectIdentifier}
	changes, err := l.engine.ChangedDecisions(ctx, subj, event.TestCase, event.ProductVersion, event.Timestamp)
	if err != nil {
		messagesDropped.Inc()
		l.logger.Error("decision change detection failed",
			zap.Int64("waiver_id", event.ID), zap.Error(err))
		return
	}

	for _, change := range changes {
		if err := l.publish(subj, change); err != nil {
			publishFailures.Inc()
			l.logger.Error("publishing decision update failed",
				zap.String("decision_context", change.DecisionContext), zap.Error(err))
			continue
		}
		updatesPublished.Inc()
	}
}

func (l *Listener) publish(subj subject.Subject, change decision.Change) error {
	update := decisionUpdate{
		MessageID:         uuid.NewString(),
		DecisionContext:   change.DecisionContext,
		ProductVersion:    change.ProductVersion,
		SubjectType:       subj.Type,
		SubjectIdentifier: subj.Identifier,
		PoliciesSatisfied: change.Current.PoliciesSatisfied,
		Summary:           change.Current.Summary,
		Previous:          change.Previous.ToJSON(),
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	_, _, err = l.producer.SendMessage(&sarama.ProducerMessage{
		Topic: l.decisionTopic,
		Key:   sarama.StringEncoder(update.MessageID),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}
