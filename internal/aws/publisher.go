package aws

import (
	"context"
	"fmt"
	"log"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// groupAttribute names the message attribute that orders and deduplicates
// messages on a FIFO queue.
const groupAttribute = "order_id"

// Publisher sends confirmation messages to one SQS queue. On a FIFO queue
// messages for the same order share a group and a deduplication id, so a
// confirmation accepted once is not queued again within the SQS window.
type Publisher struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewPublisher binds a publisher to queueURL. A ".fifo" suffix selects FIFO
// semantics.
func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Send enqueues body with the non-empty attributes as String message
// attributes.
func (p *Publisher) Send(ctx context.Context, body string, attributes map[string]string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:          sdkaws.String(p.queueURL),
		MessageBody:       sdkaws.String(body),
		MessageAttributes: messageAttributes(attributes),
	}
	if p.fifo {
		key := attributes[groupAttribute]
		if key == "" {
			return fmt.Errorf("send to fifo queue: missing %s attribute", groupAttribute)
		}
		input.MessageGroupId = sdkaws.String(key)
		input.MessageDeduplicationId = sdkaws.String("confirmation-" + key)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message to %s: %w", p.queueURL, err)
	}
	if out != nil && out.MessageId != nil {
		log.Printf("[queue] sent message=%s %s=%s", *out.MessageId, groupAttribute, attributes[groupAttribute])
	}
	return nil
}

func messageAttributes(attributes map[string]string) map[string]sqstypes.MessageAttributeValue {
	var out map[string]sqstypes.MessageAttributeValue
	for k, v := range attributes {
		// SQS rejects empty attribute values
		if v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]sqstypes.MessageAttributeValue, len(attributes))
		}
		out[k] = sqstypes.MessageAttributeValue{
			DataType:    sdkaws.String("String"),
			StringValue: sdkaws.String(v),
		}
	}
	return out
}
