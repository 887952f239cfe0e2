// internal/subscription/sweeper.go
// Hourly expiry sweep. A Redis lock keeps the sweep single-flight when several
// API instances run against the same database.

package subscription

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const sweepLockKey = "kujuana:subscription:sweep"

type Sweeper struct {
	service  Service
	locker   *redislock.Client
	interval time.Duration
	log      *logrus.Logger
}

func NewSweeper(service Service, rdb *redis.Client, interval time.Duration, log *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  service,
		locker:   redislock.New(rdb),
		interval: interval,
		log:      log,
	}
}

// Start runs the sweep until the context is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	lock, err := s.locker.Obtain(ctx, sweepLockKey, s.interval/2, nil)
	if err == redislock.ErrNotObtained {
		// Another instance holds the sweep.
		return
	}
	if err != nil {
		s.log.Warn("subscription sweep lock failed: " + err.Error())
		return
	}
	defer lock.Release(ctx)

	expired, err := s.service.ExpireDue(ctx)
	if err != nil {
		s.log.Error("subscription expiry sweep failed: " + err.Error())
		return
	}
	if expired > 0 {
		s.log.WithField("expired", expired).Info("subscriptions expired by sweep")
	}
}
