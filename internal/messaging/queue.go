package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/profilebot/internal/conversation"
)

// Queue carries encoded reply jobs from the webhook path to the reply worker.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// QueueMessage is one received job.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// ReplyJob is the queued form of a conversation reply.
type ReplyJob struct {
	ID         string             `json:"id"`
	UpdateID   string             `json:"update_id,omitempty"`
	Reply      conversation.Reply `json:"reply"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

func encodeReplyJob(job ReplyJob) (ReplyJob, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return ReplyJob{}, "", fmt.Errorf("messaging: failed to encode reply job: %w", err)
	}
	return job, string(body), nil
}

// DecodeReplyJob parses a queued job body.
func DecodeReplyJob(body string) (ReplyJob, error) {
	var job ReplyJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return ReplyJob{}, fmt.Errorf("messaging: failed to decode reply job: %w", err)
	}
	return job, nil
}
