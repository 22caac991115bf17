package usagelog

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSStore ships audit records to an SQS queue for downstream reporting
// pipelines. It can wrap another store so records land both locally and
// on the queue.
type SQSStore struct {
	client   *sqs.Client
	queueURL string
	next     Store
}

func NewSQSStore(ctx context.Context, region, queueURL string, next Store) (*SQSStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSStore{client: sqs.NewFromConfig(cfg), queueURL: queueURL, next: next}, nil
}

func (s *SQSStore) Append(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	msg := string(body)
	if _, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &s.queueURL,
		MessageBody: &msg,
	}); err != nil {
		return fmt.Errorf("enqueue usage record: %w", err)
	}

	if s.next != nil {
		return s.next.Append(ctx, record)
	}
	return nil
}
