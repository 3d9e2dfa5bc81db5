package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
)

type retrying struct {
	Storage
	count int
	wait  time.Duration
	log   plog.Logger
}

// Retrying wraps s so that a failed Upload is retried up to count more times,
// waiting wait in between. Listing and deleting are not retried.
func Retrying(s Storage, count int, wait time.Duration, log plog.Logger) Storage {
	if count <= 0 {
		return s
	}
	return &retrying{Storage: s, count: count, wait: wait, log: plog.OrGlobal(log)}
}

func (r *retrying) Upload(ctx context.Context, pkg *packager.Package) (Generation, error) {
	var lastErr error
	for i := range r.count + 1 {
		if i > 0 {
			r.log.Warn("Retrying upload", "destination", r.ID(), "attempt", fmt.Sprintf("%d/%d", i, r.count), "after", r.wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return Generation{}, ctx.Err()
			case <-time.After(r.wait):
			}
		}
		gen, err := r.Storage.Upload(ctx, pkg)
		if err == nil {
			return gen, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return Generation{}, lastErr
}
