package export

import (
	"context"
	"fmt"
	"io"

	"github.com/stayware/lodgemap/internal/model"
)

// Run streams a source through a format writer into w. Between batches it
// observes the context, so cancellation and deadlines take effect at batch
// granularity; the caller discards whatever was written when Run returns
// an error.
//
// report, when non-nil, receives completion percentages. Values are capped
// at 99: only the caller, once the artifact is durably stored, declares 100.
func Run(ctx context.Context, src Source, format model.ExportFormat, w io.Writer, report func(int)) (int64, error) {
	total, err := src.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}

	cursor, err := src.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer cursor.Close()

	fw, err := NewWriter(format, w)
	if err != nil {
		return 0, err
	}
	finished := false
	defer func() {
		if !finished {
			fw.Discard()
		}
	}()
	if err := fw.Begin(src.Columns()); err != nil {
		return 0, err
	}

	var done int64
	for {
		if ctx.Err() != nil {
			return done, context.Cause(ctx)
		}
		batch, err := cursor.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return done, context.Cause(ctx)
			}
			return done, fmt.Errorf("read batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := fw.WriteRows(batch); err != nil {
			return done, err
		}
		done += int64(len(batch))
		if report != nil {
			report(percent(done, total))
		}
	}

	if err := fw.Close(); err != nil {
		return done, err
	}
	finished = true
	return done, nil
}

func percent(done, total int64) int {
	if total <= 0 {
		return 99
	}
	p := int(done * 100 / total)
	if p > 99 {
		p = 99
	}
	return p
}
