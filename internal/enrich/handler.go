package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
)

// Enricher is the part of Pool used by Handler.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (Outcome, error)
}

// Handler processes pushed enrichment deliveries. A nil return acknowledges
// the delivery; an error asks the queue to redeliver it.
type Handler struct {
	pool     Enricher
	validate *validator.Validate
}

// NewHandler creates a Handler over pool.
func NewHandler(pool Enricher) *Handler {
	return &Handler{pool: pool, validate: validator.New()}
}

// HandleDelivery decodes a model.SavedItems payload and enriches its items.
// Malformed payloads are acknowledged and dropped since redelivery cannot fix
// them.
func (h *Handler) HandleDelivery(ctx context.Context, payload []byte) error {
	var msg model.SavedItems
	if err := json.Unmarshal(payload, &msg); err != nil {
		zap.L().Warn("enrich: dropping malformed delivery", zap.Int("bytes", len(payload)), zap.Error(err))
		return nil
	}
	if err := h.validate.Struct(msg); err != nil {
		zap.L().Warn("enrich: dropping invalid delivery", zap.Error(err))
		return nil
	}

	req := Request{ItemIDs: msg.ItemIDs, RunID: msg.RunID}
	if msg.Date != "" {
		d, err := model.ParseDate(msg.Date)
		if err == nil {
			req.Date = d
		}
	}

	start := time.Now()
	out, err := h.pool.Enrich(ctx, req)
	if err != nil {
		zap.L().Warn("enrich: delivery failed, requesting redelivery",
			zap.Int64("run_id", msg.RunID),
			zap.Int("items", len(msg.ItemIDs)),
			zap.Int("enriched", out.Enriched),
			zap.Error(err),
		)
		return err
	}
	zap.L().Info("enrich: delivery processed",
		zap.Int64("run_id", msg.RunID),
		zap.Int("enriched", out.Enriched),
		zap.Int("failed", out.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
