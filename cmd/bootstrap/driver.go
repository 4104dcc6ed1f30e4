package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lechuhuuha/table_forge/internal/metrics"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
	"github.com/lechuhuuha/table_forge/service"
)

const (
	defaultDriverBatchSize = 500
	settleTimeout          = 5 * time.Second
)

type coordinationDrainer interface {
	Process(ctx context.Context) (int, error)
}

type recordSink interface {
	Write(ctx context.Context, records []model.SinkRecord) error
	CommitIfNeeded(ctx context.Context) (*service.CommitResult, error)
}

// driver is the single goroutine that touches the coordination channel and the
// table writer. Source records arrive over a Go channel and are written in
// batches; every poll tick drains the coordination topic, checks the commit
// window and settles the checkpoint of finished commits.
type driver struct {
	channel      coordinationDrainer
	writer       recordSink
	records      <-chan model.SinkRecord
	afterDrain   func()
	settle       func(ctx context.Context) error
	batchSize    int
	pollInterval time.Duration
	logger       loggerpkg.Logger
}

func (d *driver) run(ctx context.Context) error {
	if d.batchSize <= 0 {
		d.batchSize = defaultDriverBatchSize
	}
	if d.pollInterval <= 0 {
		d.pollInterval = time.Second
	}
	if d.logger == nil {
		d.logger = loggerpkg.NewNop()
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	records := d.records
	batch := make([]model.SinkRecord, 0, d.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := d.writer.Write(ctx, batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				d.logger.Info("driver stopping with unwritten records", loggerpkg.F("records", len(batch)))
			}
			d.settleOnStop()
			return nil
		case rec, ok := <-records:
			if !ok {
				d.logger.Warn("source records channel closed")
				records = nil
				continue
			}
			batch = append(batch, rec)
			if len(batch) < d.batchSize {
				continue
			}
			if err := flush(); err != nil {
				return d.fail(ctx, "write", err)
			}
		case <-ticker.C:
			if err := d.tick(ctx, flush); err != nil {
				return err
			}
		}
	}
}

func (d *driver) tick(ctx context.Context, flush func() error) error {
	if err := flush(); err != nil {
		return d.fail(ctx, "write", err)
	}
	if _, err := d.channel.Process(ctx); err != nil {
		return d.fail(ctx, "process", err)
	}
	if d.afterDrain != nil {
		d.afterDrain()
	}
	if _, err := d.writer.CommitIfNeeded(ctx); err != nil {
		return d.fail(ctx, "commit", err)
	}
	if d.settle != nil {
		if err := d.settle(ctx); err != nil {
			return d.fail(ctx, "settle", err)
		}
	}
	return nil
}

// settleOnStop stores the checkpoint of commits made since the last tick so a
// restart does not replay requests that were already answered.
func (d *driver) settleOnStop() {
	if d.settle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := d.settle(ctx); err != nil {
		d.logger.Warn("checkpoint not settled on stop", loggerpkg.Err(err))
	}
}

// fail maps errors caused by shutdown to a clean exit.
func (d *driver) fail(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	metrics.IncDriverErrors(step)
	return fmt.Errorf("driver %s: %w", step, err)
}
