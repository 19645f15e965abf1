package notify

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// Message is the queue payload consumed by the notification service.
type Message struct {
	Rooms []domain.RoomID    `json:"rooms"`
	Event domain.DomainEvent `json:"event"`
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// AzureQueue sends messages to an Azure Storage Queue.
type AzureQueue struct {
	client queueClient
}

func NewAzureQueue(connStr, name string) (*AzureQueue, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return nil, err
	}
	return &AzureQueue{client: q}, nil
}

func (q *AzureQueue) Send(ctx context.Context, msg Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, string(data), nil)
	return err
}
