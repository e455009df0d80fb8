//go:build integration

package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"idem/audit"
	"idem/pkg/testutil/containers"
)

const auditTopic = "idem.audit.events"

type KafkaAuditSuite struct {
	suite.Suite
	redpanda  *containers.RedpandaContainer
	publisher *audit.KafkaPublisher
	ctx       context.Context
}

func TestKafkaAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaAuditSuite))
}

func (s *KafkaAuditSuite) SetupSuite() {
	s.ctx = context.Background()
	mgr := containers.GetManager()
	s.redpanda = mgr.GetRedpanda(s.T())
	s.Require().NoError(s.redpanda.CreateTopic(s.ctx, auditTopic))

	publisher, err := audit.NewKafkaPublisher(s.ctx, []string{s.redpanda.Broker}, auditTopic)
	s.Require().NoError(err)
	s.publisher = publisher
}

func (s *KafkaAuditSuite) TearDownSuite() {
	if s.publisher != nil {
		s.publisher.Close()
	}
}

// consume polls the topic from the start until pred is satisfied or the
// deadline passes. The topic is shared across the test run, so assertions
// filter to their own event ids.
func (s *KafkaAuditSuite) consume(pred func(*kgo.Record) bool) {
	s.T().Helper()

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Broker),
		kgo.ConsumeTopics(auditTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	for {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err(), "expected records not observed before timeout")
		s.Require().Empty(fetches.Errors())

		done := false
		fetches.EachRecord(func(record *kgo.Record) {
			if pred(record) {
				done = true
			}
		})
		if done {
			return
		}
	}
}

// TestEmitDeliversKeyedEvents: one emitted event arrives with the payload
// intact and keyed by entity id, the property per-entity ordering rests on.
func (s *KafkaAuditSuite) TestEmitDeliversKeyedEvents() {
	event := audit.Event{
		ID:         uuid.New(),
		Action:     audit.ActionEntityCreated,
		EntityID:   "entity-kafka-1",
		SourceID:   "crm",
		ExternalID: "42",
		Confidence: 1.0,
	}
	s.Require().NoError(s.publisher.Emit(s.ctx, event))

	s.consume(func(record *kgo.Record) bool {
		var got audit.Event
		if json.Unmarshal(record.Value, &got) != nil || got.ID != event.ID {
			return false
		}
		s.Equal([]byte(event.EntityID), record.Key)
		s.Equal(audit.ActionEntityCreated, got.Action)
		s.Equal("crm", got.SourceID)
		s.Equal(1.0, got.Confidence)
		s.False(got.Timestamp.IsZero(), "emit stamps before producing")
		return true
	})
}

// TestEmitPreservesPerEntityOrder: synchronous production plus entity-id
// keying means one entity's events are consumed in emission order.
func (s *KafkaAuditSuite) TestEmitPreservesPerEntityOrder() {
	entityID := "entity-kafka-order"
	emitted := make([]uuid.UUID, 3)
	for i, action := range []audit.Action{
		audit.ActionEntityCreated,
		audit.ActionEntityMatched,
		audit.ActionSourceRefRefreshed,
	} {
		event := audit.Event{ID: uuid.New(), Action: action, EntityID: entityID}
		emitted[i] = event.ID
		s.Require().NoError(s.publisher.Emit(s.ctx, event))
	}

	var consumed []uuid.UUID
	s.consume(func(record *kgo.Record) bool {
		var got audit.Event
		if json.Unmarshal(record.Value, &got) != nil || got.EntityID != entityID {
			return false
		}
		consumed = append(consumed, got.ID)
		return len(consumed) == len(emitted)
	})

	s.Equal(emitted, consumed)
}
