package notify

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type dequeueClient interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Consumer reads messages published by AzureQueue. Messages whose handler
// fails stay on the queue and reappear after their visibility timeout.
type Consumer struct {
	client dequeueClient
	idle   time.Duration
	log    *log.Logger
}

func NewConsumer(connStr, name string, logger *log.Logger) (*Consumer, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return nil, err
	}
	return newConsumer(q, logger), nil
}

func newConsumer(client dequeueClient, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Consumer{client: client, idle: time.Second, log: logger}
}

// Run handles messages one at a time until ctx is done.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, Message) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := c.client.DequeueMessage(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warn("dequeue failed")
			c.sleep(ctx)
			continue
		}
		if len(resp.Messages) == 0 {
			c.sleep(ctx)
			continue
		}
		for _, m := range resp.Messages {
			c.process(ctx, m, handle)
		}
	}
}

func (c *Consumer) process(ctx context.Context, m *azqueue.DequeuedMessage, handle func(context.Context, Message) error) {
	if m == nil || m.MessageID == nil || m.PopReceipt == nil {
		return
	}
	entry := c.log.WithField("message_id", *m.MessageID)
	var msg Message
	text := ""
	if m.MessageText != nil {
		text = *m.MessageText
	}
	if err := sonic.UnmarshalString(text, &msg); err != nil {
		entry.WithError(err).Error("discarding undecodable message")
		c.delete(ctx, entry, m)
		return
	}
	entry = entry.WithField("event_id", msg.Event.ID)
	if err := handle(ctx, msg); err != nil {
		entry.WithError(err).Warn("handler failed, message left on queue")
		return
	}
	c.delete(ctx, entry, m)
}

func (c *Consumer) delete(ctx context.Context, entry *log.Entry, m *azqueue.DequeuedMessage) {
	if _, err := c.client.DeleteMessage(ctx, *m.MessageID, *m.PopReceipt, nil); err != nil {
		entry.WithError(err).Warn("delete message")
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
