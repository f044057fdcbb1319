package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
)

// Inline is a Publisher for single-process deployments: events are handled
// in background goroutines instead of being sent to a broker. Lost events
// are recovered by the scrubber.
type Inline struct {
	enrich    Handler
	vectorize Handler
	wg        sync.WaitGroup
}

// NewInline creates an Inline publisher. Either handler may be nil, which
// drops that kind of event.
func NewInline(enrich, vectorize Handler) *Inline {
	return &Inline{enrich: enrich, vectorize: vectorize}
}

// PublishSaved implements Publisher.
func (p *Inline) PublishSaved(ctx context.Context, msg model.SavedItems) error {
	if err := p.PublishEnrich(ctx, msg); err != nil {
		return err
	}
	return p.PublishVectorize(ctx, msg)
}

// PublishEnrich implements Publisher.
func (p *Inline) PublishEnrich(ctx context.Context, msg model.SavedItems) error {
	return p.dispatch(ctx, "enrich", p.enrich, msg)
}

// PublishVectorize implements Publisher.
func (p *Inline) PublishVectorize(ctx context.Context, msg model.SavedItems) error {
	return p.dispatch(ctx, "vectorize", p.vectorize, msg)
}

func (p *Inline) dispatch(ctx context.Context, kind string, h Handler, msg model.SavedItems) error {
	if h == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "queue: marshal items")
	}
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := h(ctx, data); err != nil {
			zap.L().Warn("queue: inline handler failed", zap.String("kind", kind), zap.Int("items", len(msg.ItemIDs)), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched event has been handled.
func (p *Inline) Wait() {
	p.wg.Wait()
}
