package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes availability changes to an SNS topic. Subscribers can
// filter on the "event" and "server" message attributes.
type SNSNotifier struct {
	client   snsAPI
	topicARN string
}

func NewSNSNotifier(cfg aws.Config, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicARN: topicARN}
}

func (n *SNSNotifier) Send(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	out, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(note.Subject()),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event":  stringAttribute(string(note.Type)),
			"server": stringAttribute(note.Server),
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", note.Type, note.Server, err)
	}

	slog.Info("availability notification published",
		"type", note.Type,
		"server", note.Server,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func stringAttribute(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
