package messagingworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/profilebot/internal/conversation"
	"github.com/wolfman30/profilebot/internal/messaging"
	"github.com/wolfman30/profilebot/internal/messaging/telegramclient"
	"github.com/wolfman30/profilebot/internal/observability/metrics"
	"github.com/wolfman30/profilebot/pkg/logging"
)

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxReceiveBatchSize = 10
	defaultSendTimeout  = 10 * time.Second
	deleteTimeout       = 5 * time.Second
	maxReceiveBackoff   = 5 * time.Second
	locationButtonLabel = "Share location"
)

type telegramSender interface {
	SendMessage(ctx context.Context, req telegramclient.SendMessageRequest) (*telegramclient.Message, error)
}

// ReplySender drains the reply queue and delivers each reply once. Failed
// sends are logged and counted; they are not retried.
type ReplySender struct {
	queue    messaging.Queue
	telegram telegramSender
	metrics  *metrics.MessagingMetrics
	logger   *logging.Logger

	workers     int
	waitSeconds int
	batchSize   int
	sendTimeout time.Duration

	wg sync.WaitGroup
}

func NewReplySender(queue messaging.Queue, telegram telegramSender, logger *logging.Logger) *ReplySender {
	if queue == nil {
		panic("messagingworker: queue cannot be nil")
	}
	if telegram == nil {
		panic("messagingworker: telegram sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReplySender{
		queue:       queue,
		telegram:    telegram,
		logger:      logger,
		workers:     defaultWorkerCount,
		waitSeconds: defaultWaitSeconds,
		batchSize:   defaultBatchSize,
		sendTimeout: defaultSendTimeout,
	}
}

func (r *ReplySender) WithWorkers(n int) *ReplySender {
	if n > 0 {
		r.workers = n
	}
	return r
}

func (r *ReplySender) WithBatchSize(n int) *ReplySender {
	if n > 0 {
		if n > maxReceiveBatchSize {
			n = maxReceiveBatchSize
		}
		r.batchSize = n
	}
	return r
}

func (r *ReplySender) WithWaitSeconds(n int) *ReplySender {
	if n >= 0 {
		r.waitSeconds = n
	}
	return r
}

func (r *ReplySender) WithSendTimeout(d time.Duration) *ReplySender {
	if d > 0 {
		r.sendTimeout = d
	}
	return r
}

func (r *ReplySender) WithMetrics(m *metrics.MessagingMetrics) *ReplySender {
	r.metrics = m
	return r
}

// Start launches one receive loop and one sender per worker. Replies are
// sharded by chat id, so replies to the same chat go out in queue order while
// different chats are sent in parallel. Everything exits once ctx is cancelled
// and already received replies have been sent.
func (r *ReplySender) Start(ctx context.Context) {
	shards := make([]chan sendTask, r.workers)
	for i := range shards {
		shards[i] = make(chan sendTask, r.batchSize)
		r.wg.Add(1)
		go r.send(ctx, i+1, shards[i])
	}
	r.wg.Add(1)
	go r.receive(ctx, shards)
}

// Wait blocks until all worker goroutines exit.
func (r *ReplySender) Wait() {
	r.wg.Wait()
}

// Run starts the workers and blocks until they stop.
func (r *ReplySender) Run(ctx context.Context) {
	r.Start(ctx)
	r.Wait()
}

type sendTask struct {
	msg messaging.QueueMessage
	job messaging.ReplyJob
}

func (r *ReplySender) receive(ctx context.Context, shards []chan sendTask) {
	defer r.wg.Done()
	defer func() {
		for _, shard := range shards {
			close(shard)
		}
	}()
	r.logger.Debug("reply receiver started", "workers", len(shards))

	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			r.logger.Debug("reply receiver stopping")
			return
		}

		msgs, err := r.queue.Receive(ctx, r.batchSize, r.waitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to receive reply jobs", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxReceiveBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, msg := range msgs {
			job, err := messaging.DecodeReplyJob(msg.Body)
			if err != nil {
				r.logger.Error("dropping undecodable reply job", "error", err, "msg_id", msg.ID)
				r.metrics.ObserveOutbound("invalid")
				r.deleteMessage(msg.ReceiptHandle)
				continue
			}
			// Senders drain their shard until it is closed, so this never blocks for long.
			shards[shardFor(job.Reply.ChatID, len(shards))] <- sendTask{msg: msg, job: job}
		}
	}
}

func shardFor(chatID int64, n int) int {
	idx := chatID % int64(n)
	if idx < 0 {
		idx = -idx
	}
	return int(idx)
}

func (r *ReplySender) send(ctx context.Context, workerID int, tasks <-chan sendTask) {
	defer r.wg.Done()
	r.logger.Debug("reply worker started", "worker_id", workerID)
	for task := range tasks {
		r.handle(ctx, task)
	}
	r.logger.Debug("reply worker stopping", "worker_id", workerID)
}

func (r *ReplySender) handle(ctx context.Context, task sendTask) {
	defer r.deleteMessage(task.msg.ReceiptHandle)
	job := task.job

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer cancel()

	req := BuildSendRequest(job.Reply)
	if _, err := r.telegram.SendMessage(sendCtx, req); err != nil {
		r.metrics.ObserveOutbound("failed")
		r.logger.Error("reply delivery failed",
			"error", err,
			"job_id", job.ID,
			"update_id", job.UpdateID,
			"external_id", job.Reply.ExternalID,
		)
		return
	}
	r.metrics.ObserveOutbound("sent")
	r.logger.Debug("reply delivered", "job_id", job.ID, "update_id", job.UpdateID, "external_id", job.Reply.ExternalID)
}

func (r *ReplySender) deleteMessage(receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := r.queue.Delete(ctx, receiptHandle); err != nil {
		r.logger.Error("failed to delete reply job", "error", err)
	}
}

// BuildSendRequest maps a conversation reply onto a sendMessage call.
func BuildSendRequest(reply conversation.Reply) telegramclient.SendMessageRequest {
	req := telegramclient.SendMessageRequest{ChatID: reply.ChatID, Text: reply.Text}
	switch reply.Affordance {
	case conversation.AffordanceRequestLocation:
		req.ReplyMarkup = telegramclient.LocationKeyboard(locationButtonLabel)
	case conversation.AffordanceRemoveKeyboard:
		req.ReplyMarkup = telegramclient.RemoveKeyboard()
	}
	return req
}
