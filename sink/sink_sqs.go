package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS publishes message bodies to a single queue.
type SQS struct {
	client sqsAPI

	queueURL    string
	queueURLPtr *string
}

func NewSQS(client sqsAPI, queueURL string) *SQS {
	if client == nil {
		panic("sqs client is required")
	}
	if strings.TrimSpace(queueURL) == "" {
		panic("queue url is required")
	}

	s := &SQS{
		client:   client,
		queueURL: queueURL,
	}
	s.queueURLPtr = &s.queueURL
	return s
}

func (s *SQS) Publish(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty message body")
	}

	b := string(body)
	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    s.queueURLPtr,
		MessageBody: &b,
	})
	if err != nil {
		return fmt.Errorf("sqs send message queue=%q: %w", s.queueURL, err)
	}
	return nil
}
