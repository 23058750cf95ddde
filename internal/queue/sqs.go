// Package queue exports usage records to SQS for downstream billing and analytics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

// UsageEvent is the message body published per completed request.
type UsageEvent struct {
	ID string `json:"id"`
	domain.UsageRecord
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSUsageSink publishes usage records to a queue. It satisfies metrics.Sink.
type SQSUsageSink struct {
	client   sqsSender
	queueURL string
}

func NewSQSUsageSink(cfg aws.Config, queueURL string) *SQSUsageSink {
	return &SQSUsageSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (s *SQSUsageSink) Record(ctx context.Context, rec domain.UsageRecord) error {
	event := UsageEvent{ID: uuid.NewString(), UsageRecord: rec}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"APIKeyID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.APIKeyID),
			},
			"Model": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Model),
			},
			"Success": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(rec.Success)),
			},
		},
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

type InMemoryUsageQueue struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewInMemoryUsageQueue() *InMemoryUsageQueue {
	return &InMemoryUsageQueue{}
}

func (q *InMemoryUsageQueue) Record(ctx context.Context, rec domain.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, UsageEvent{ID: uuid.NewString(), UsageRecord: rec})
	return nil
}

func (q *InMemoryUsageQueue) Events() []UsageEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]UsageEvent, len(q.events))
	copy(result, q.events)
	return result
}
