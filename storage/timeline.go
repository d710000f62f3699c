package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"board-api/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueTimeline delivers timeline records to an Azure Storage queue.
type QueueTimeline struct {
	queue queueClient
}

// NewQueueTimeline connects to queueName.
func NewQueueTimeline(connStr, queueName string) (*QueueTimeline, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueTimeline{queue: q}, nil
}

// Record enqueues rec as JSON.
func (t *QueueTimeline) Record(ctx context.Context, rec domain.TimelineRecord) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = t.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
