package sink

import (
	"context"
	"time"

	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/storage"
)

// DeliveryRecorder stores delivery outcomes.
type DeliveryRecorder interface {
	InsertDelivery(ctx context.Context, d storage.Delivery) error
}

// Audited records whether each output reached the sink.
type Audited struct {
	sinkID string
	rec    DeliveryRecorder
	next   pipeline.Handler
}

func NewAudited(sinkID string, rec DeliveryRecorder, next pipeline.Handler) *Audited {
	return &Audited{sinkID: sinkID, rec: rec, next: next}
}

// Handle returns next's error; a failed audit write is only returned when delivery succeeded.
func (a *Audited) Handle(ctx context.Context, out *pipeline.Output) error {
	err := a.next.Handle(ctx, out)
	d := storage.Delivery{OutputID: out.ID, SinkID: a.sinkID, Status: "sent", CreatedAt: time.Now()}
	if err != nil {
		d.Status = "failed"
		d.Detail = err.Error()
	}
	if rerr := a.rec.InsertDelivery(ctx, d); rerr != nil && err == nil {
		return rerr
	}
	return err
}
