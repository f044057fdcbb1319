package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/model"
)

// streamPublisher is the part of jetstream.JetStream used for publishing.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStream is a Queue and Publisher backed by one NATS JetStream stream.
// Task names become Nats-Msg-Id headers, so a resubmission inside the
// stream's duplicate window is reported as EnqueueAlreadyExists.
type JetStream struct {
	cfg    config.NATSConfig
	nc     *nats.Conn
	js     streamPublisher
	stream jetstream.Stream
}

// NewJetStream connects to NATS and creates or updates the stream.
func NewJetStream(ctx context.Context, cfg config.NATSConfig) (*JetStream, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("ainews"))
	if err != nil {
		return nil, eris.Wrap(err, "queue: connect nats")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, eris.Wrap(err, "queue: jetstream")
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{SubjectTasks, SubjectEnrich, SubjectVectorize},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: time.Duration(cfg.DuplicateWindow) * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, eris.Wrapf(err, "queue: create stream %s", cfg.Stream)
	}
	zap.L().Info("queue: jetstream ready", zap.String("stream", cfg.Stream), zap.String("url", cfg.URL))
	return &JetStream{cfg: cfg, nc: nc, js: js, stream: stream}, nil
}

// Enqueue implements Queue.
func (q *JetStream) Enqueue(ctx context.Context, name string, p model.TaskPayload) (EnqueueResult, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return EnqueueFailed, eris.Wrap(err, "queue: marshal task")
	}
	ack, err := q.js.Publish(ctx, SubjectTasks, data, jetstream.WithMsgID(name))
	if err != nil {
		return EnqueueFailed, eris.Wrapf(err, "queue: publish task %s", name)
	}
	if ack.Duplicate {
		zap.L().Debug("queue: task already enqueued", zap.String("task", name))
		return EnqueueAlreadyExists, nil
	}
	return EnqueueOK, nil
}

// PublishSaved implements Publisher.
func (q *JetStream) PublishSaved(ctx context.Context, msg model.SavedItems) error {
	return errors.Join(q.PublishEnrich(ctx, msg), q.PublishVectorize(ctx, msg))
}

// PublishEnrich implements Publisher.
func (q *JetStream) PublishEnrich(ctx context.Context, msg model.SavedItems) error {
	return q.publish(ctx, SubjectEnrich, msg)
}

// PublishVectorize implements Publisher.
func (q *JetStream) PublishVectorize(ctx context.Context, msg model.SavedItems) error {
	return q.publish(ctx, SubjectVectorize, msg)
}

func (q *JetStream) publish(ctx context.Context, subject string, msg model.SavedItems) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "queue: marshal items")
	}
	// A fresh ID per event lets the client retry the publish without the
	// server storing it twice.
	if _, err := q.js.Publish(ctx, subject, data, jetstream.WithMsgID(uuid.NewString())); err != nil {
		return eris.Wrapf(err, "queue: publish %s", subject)
	}
	return nil
}

// Consume pulls messages for subject through a durable consumer and hands
// each to h until ctx is done.
func (q *JetStream) Consume(ctx context.Context, durable, subject string, h Handler) error {
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Duration(q.cfg.AckWaitSecs) * time.Second,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		return eris.Wrapf(err, "queue: create consumer %s", durable)
	}
	zap.L().Info("queue: consuming", zap.String("consumer", durable), zap.String("subject", subject))

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Debug("queue: fetch", zap.String("consumer", durable), zap.Error(err))
			continue
		}
		for msg := range batch.Messages() {
			handleMessage(ctx, msg, h)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			zap.L().Warn("queue: fetch batch", zap.String("consumer", durable), zap.Error(err))
		}
	}
}

// Redelivery after a handler error waits nakBaseDelay, doubling with each
// delivery up to nakMaxDelay.
const (
	nakBaseDelay = 5 * time.Second
	nakMaxDelay  = 5 * time.Minute
)

// nakDelay is the redelivery delay after the given delivery attempt failed.
func nakDelay(delivered uint64) time.Duration {
	d := nakBaseDelay
	for i := uint64(1); i < delivered && d < nakMaxDelay; i++ {
		d *= 2
	}
	return min(d, nakMaxDelay)
}

// handleMessage acks on success and naks with a growing delay on error so
// JetStream redelivers without a tight loop.
func handleMessage(ctx context.Context, msg jetstream.Msg, h Handler) {
	if err := h(ctx, msg.Data()); err != nil {
		delivered := uint64(1)
		if md, merr := msg.Metadata(); merr == nil {
			delivered = md.NumDelivered
		}
		delay := nakDelay(delivered)
		zap.L().Warn("queue: handler failed, requesting redelivery",
			zap.String("subject", msg.Subject()),
			zap.Uint64("delivered", delivered),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if nerr := msg.NakWithDelay(delay); nerr != nil {
			zap.L().Error("queue: nak", zap.Error(nerr))
		}
		return
	}
	if err := msg.Ack(); err != nil {
		zap.L().Error("queue: ack", zap.Error(err))
	}
}

// Close drains the connection.
func (q *JetStream) Close() error {
	if q.nc == nil {
		return nil
	}
	return q.nc.Drain()
}
