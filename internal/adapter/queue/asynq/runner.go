package asynqadp

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/doai/devicefarm/internal/adapter/observability"
	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/domain"
	"github.com/doai/devicefarm/internal/engine"
)

// BotRunner executes one viewing job on one device and returns the
// classified result. Implementations never return a raw driver error.
type BotRunner interface {
	Run(ctx context.Context, device domain.Device, p domain.BotPayload, progress engine.ProgressFunc) engine.JobResult
}

// poolRunner leases a session from the pool, drives the engine on it, and
// returns the session for reuse. Session creation retries on a fixed delay
// because the automation server restarts take a few seconds to settle.
type poolRunner struct {
	pool        *uiauto.Pool
	evidenceDir string
	retryDelay  time.Duration
	maxRetries  int
}

// NewPoolRunner builds the production BotRunner.
func NewPoolRunner(pool *uiauto.Pool, evidenceDir string, retryDelay time.Duration, maxRetries int) BotRunner {
	return &poolRunner{pool: pool, evidenceDir: evidenceDir, retryDelay: retryDelay, maxRetries: maxRetries}
}

func (r *poolRunner) Run(ctx context.Context, device domain.Device, p domain.BotPayload, progress engine.ProgressFunc) engine.JobResult {
	key := device.SessionKey()
	var sess *uiauto.Session
	op := func() error {
		s, err := r.pool.CreateSession(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrPoolExhausted) {
				return backoff.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), uint64(r.maxRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return engine.JobResult{
			ErrorCode: string(engine.Classify(err)),
			Error:     err.Error(),
		}
	}
	observability.SetActiveSessions(r.pool.Snapshot().ActiveSessions)

	rec := uiauto.NewRecorder(r.evidenceDir, sess)
	o := engine.NewOrchestrator(engine.NewSessionDriver(sess), rec, nil, progress)
	res := o.Run(ctx, engine.JobParams{
		AssignmentID:  p.AssignmentID,
		TargetURL:     p.TargetURL,
		Keyword:       p.Keyword,
		VideoTitle:    p.VideoTitle,
		DurationSec:   p.DurationSec,
		MinPct:        p.MinPct,
		MaxPct:        p.MaxPct,
		ProbLike:      p.ProbLike,
		ProbComment:   p.ProbComment,
		ProbSubscribe: p.ProbSubscribe,
		ProbPlaylist:  p.ProbPlaylist,
		CommentText:   p.CommentText,
	})
	observability.ObserveWatch(float64(res.WatchDurationSec), res.AdsDetected, res.AdsSkipped)

	// A lost session is unusable for the next job on this device.
	if res.ErrorCode == string(domain.CodeSessionExpired) {
		r.pool.CloseSession(ctx, key)
		observability.SetActiveSessions(r.pool.Snapshot().ActiveSessions)
	}
	return res
}
