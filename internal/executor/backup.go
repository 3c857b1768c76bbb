package executor

import (
	"context"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/processor"
	"github.com/nevergoodstudy-hub/netops/pkg/backup"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// Backup retrieves each target's running configuration and stores it. The
// payload is the backup.Record written for the target.
func (e *Executor) Backup(store *backup.Store) engine.Operation {
	return func(ctx context.Context, a engine.Attempt) (any, error) {
		s, ep, err := e.open(ctx, a)
		if err != nil {
			return nil, err
		}
		defer s.Close()

		raw, err := s.ShowConfig(ctx)
		if err != nil {
			return nil, err
		}
		cfg, err := e.chain.Normalize(raw, processor.KindConfig)
		if err != nil {
			return nil, err
		}
		// an abandoned attempt must not write anything
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := store.Write(ctx, backup.Snapshot{
			Host:         a.Target.ID,
			DeviceType:   ep.Dialect,
			Config:       cfg,
			AttemptsUsed: a.Number,
		})
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// RecordBackupFailures appends a metadata record for every target of rep
// that did not succeed. Targets that never named a device are skipped.
func (e *Executor) RecordBackupFailures(store *backup.Store, rep *engine.RunReport) {
	for _, res := range rep.Failed() {
		if res.ErrorKind == engine.KindValidation || res.ErrorKind == engine.KindNotFound {
			continue
		}
		if err := store.RecordFailure(res, e.DeviceType(res.Target)); err != nil {
			e.logger.Warn("failed to record backup failure", lg.String("target", res.Target), lg.Err(err))
		}
	}
}
