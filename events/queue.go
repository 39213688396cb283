package events

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

type queueSender interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// NewQueueClient opens the named storage queue with the service's retry policy.
func NewQueueClient(connStr, queue string) (*azqueue.QueueClient, error) {
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
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
}

var errQueueSaturated = errors.New("event queue saturated")

// QueuePublisher sends task events to a storage queue for downstream
// consumers. Sends run on the dispatcher; when it cannot take the job the
// event is sent inline once.
type QueuePublisher struct {
	queue      queueSender
	dispatcher *Dispatcher
	timeout    time.Duration
}

func NewQueuePublisher(q queueSender, d *Dispatcher, timeout time.Duration) *QueuePublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &QueuePublisher{queue: q, dispatcher: d, timeout: timeout}
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.TaskEvent) error {
	payload, err := sonic.MarshalString(ev)
	if err != nil {
		return err
	}
	send := func(ctx context.Context) error {
		_, err := p.queue.EnqueueMessage(ctx, payload, nil)
		return err
	}
	if p.dispatcher != nil && p.dispatcher.Submit(Job{Name: ev.Type + ":" + ev.TaskID, Run: send}) {
		return nil
	}

	log.WithFields(log.Fields{"event": ev.Type, "task": ev.TaskID}).Warn("event buffer saturated; sending inline")
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := send(sendCtx); err != nil {
		return errors.Join(errQueueSaturated, err)
	}
	return nil
}
