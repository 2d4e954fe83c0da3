package engine

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
)

// retentionLoop runs the cache retention sweep on the configured schedule.
// The sweep runs on the cache worker, never on the state loop.
func (e *Engine) retentionLoop(ctx context.Context) {
	cron := e.conf.RetentionCron
	if cron == "" || e.conf.RetentionAge <= 0 {
		return
	}
	for {
		next, err := gronx.NextTickAfter(cron, time.Now(), false)
		if err != nil {
			glog.Errorf("engine: retention schedule %q: %v", cron, err)
			return
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		}

		n, err := e.cache.DeleteMessagesOlderThan(ctx, e.conf.RetentionAge)
		if err != nil {
			glog.Errorf("engine: retention sweep: %v", err)
			continue
		}
		glog.Infof("engine: retention removed %s cached messages older than %v", humanize.Comma(n), e.conf.RetentionAge)
	}
}
