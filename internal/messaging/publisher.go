package messaging

import (
	"context"
	"fmt"

	"github.com/wolfman30/profilebot/internal/conversation"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// Publisher enqueues replies for asynchronous delivery.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("messaging: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueReply publishes one reply. updateID links the job back to the inbound update in logs.
func (p *Publisher) EnqueueReply(ctx context.Context, updateID string, reply conversation.Reply) error {
	job, body, err := encodeReplyJob(ReplyJob{UpdateID: updateID, Reply: reply})
	if err != nil {
		return err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return fmt.Errorf("messaging: failed to enqueue reply: %w", err)
	}

	p.logger.Debug("reply enqueued", "job_id", job.ID, "update_id", updateID, "external_id", reply.ExternalID)
	return nil
}
