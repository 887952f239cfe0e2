package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/donmaleek/Kujuana-sub002/internal/queue"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

const pollInterval = 500 * time.Millisecond

// WorkerConfig tunes the matchmaking passes
type WorkerConfig struct {
	Concurrency        int     // goroutines per queue class
	StandardScoreFloor float64 // standard matches below this score are not created
	CandidateLimit     int     // bounded candidate set per job
	VipMinCompleteness float64
	VipMinPhotos       int
}

// JobQueue is the slice of the queue the worker pool needs
type JobQueue interface {
	Dequeue(ctx context.Context, class queue.Class) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, jobErr error) (bool, error)
}

// SubscriberDirectory lists members holding an active subscription at a tier
type SubscriberDirectory interface {
	ListActiveUserIDs(ctx context.Context, tier subscription.Tier) ([]int64, error)
}

// WorkerPool drains the three queue classes and runs the matchmaking passes.
// Every pass re-checks the ledger before mutating, so a re-delivered job after
// a crash settles as a no-op.
type WorkerPool struct {
	queue       JobQueue
	repo        Repository
	svc         Service
	profiles    ProfileStore
	candidates  CandidateRepository
	subscribers SubscriberDirectory
	scorer      Scorer
	cfg         WorkerConfig
	log         *logrus.Logger
}

func NewWorkerPool(
	q JobQueue,
	repo Repository,
	svc Service,
	profiles ProfileStore,
	candidates CandidateRepository,
	subscribers SubscriberDirectory,
	scorer Scorer,
	cfg WorkerConfig,
	log *logrus.Logger,
) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 100
	}
	return &WorkerPool{
		queue:       q,
		repo:        repo,
		svc:         svc,
		profiles:    profiles,
		candidates:  candidates,
		subscribers: subscribers,
		scorer:      scorer,
		cfg:         cfg,
		log:         log,
	}
}

// Run blocks until the context is cancelled and all workers have drained.
func (w *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, class := range queue.Classes {
		for i := 0; i < w.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(class queue.Class) {
				defer wg.Done()
				w.runClass(ctx, class)
			}(class)
		}
	}
	wg.Wait()
}

func (w *WorkerPool) runClass(ctx context.Context, class queue.Class) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, class)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).WithField("queue", class).Error("Dequeue failed")
			time.Sleep(pollInterval)
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		w.handle(ctx, job)
	}
}

func (w *WorkerPool) handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	jobType, requestID, err := w.process(ctx, job)
	ObserveJobDuration(jobType, time.Since(start).Seconds())

	if err == nil {
		if cerr := w.queue.Complete(ctx, job); cerr != nil {
			w.log.WithError(cerr).WithField("job_id", job.ID).Error("Failed to mark job complete")
		}
		return
	}

	terminal, ferr := w.queue.Fail(ctx, job, err)
	if ferr != nil {
		w.log.WithError(ferr).WithField("job_id", job.ID).Error("Failed to record job failure")
	}
	if terminal && requestID != 0 {
		if lerr := w.repo.FailRequest(ctx, requestID, err.Error()); lerr != nil {
			w.log.WithError(lerr).WithField("request_id", requestID).Error("Failed to mark request failed")
		}
	}
}

// process runs one job to completion. The returned request id lets the caller
// settle the ledger on a terminal failure.
func (w *WorkerPool) process(ctx context.Context, job *queue.Job) (string, int64, error) {
	jobType, data, err := DecodePayload(job.Payload)
	if err != nil {
		return jobType, 0, err
	}

	switch j := data.(type) {
	case StandardMatchJob:
		return jobType, j.RequestID, w.processStandard(ctx, j)
	case PriorityMatchJob:
		return jobType, j.RequestID, w.processPriority(ctx, j)
	case VipCurationJob:
		return jobType, j.RequestID, w.processVip(ctx, j)
	case NightlyBatchJob:
		return jobType, 0, w.processNightly(ctx)
	default:
		return jobType, 0, fmt.Errorf("unhandled job payload type: %q", jobType)
	}
}

// scored pairs a candidate with its breakdown for ranking
type scored struct {
	candidate *ProfileSnapshot
	breakdown *ScoreBreakdown
}

// gather loads the seeker, builds the exclusion list and returns the scored
// candidates that pass the hard filters, best first.
func (w *WorkerPool) gather(ctx context.Context, userID int64, accept func(*ProfileSnapshot) bool) (*ProfileSnapshot, []scored, error) {
	seeker, err := w.profiles.GetSnapshot(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading seeker %d: %w", userID, err)
	}
	if err := seeker.Validate(); err != nil {
		return nil, nil, fmt.Errorf("seeker %d snapshot invalid: %w", userID, err)
	}

	exclude, err := w.repo.ListCounterpartIDs(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing matched counterparts: %w", err)
	}
	exclude = append(exclude, userID)

	candidates, err := w.candidates.FindCandidates(ctx, seeker, exclude, w.cfg.CandidateLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("finding candidates: %w", err)
	}

	var ranked []scored
	for _, cand := range candidates {
		if cand.Validate() != nil {
			continue
		}
		if accept != nil && !accept(cand) {
			continue
		}
		ok, err := w.scorer.PassesHardFilters(ctx, seeker, cand)
		if err != nil {
			return nil, nil, fmt.Errorf("hard filters for %d/%d: %w", userID, cand.UserID, err)
		}
		if !ok {
			continue
		}
		breakdown, err := w.scorer.Score(ctx, seeker, cand)
		if err != nil {
			return nil, nil, fmt.Errorf("scoring %d/%d: %w", userID, cand.UserID, err)
		}
		ranked = append(ranked, scored{candidate: cand, breakdown: breakdown})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].breakdown.Total > ranked[j].breakdown.Total
	})
	return seeker, ranked, nil
}

// record persists matches for the top entries and settles the request.
// Pairs that already exist in either direction are skipped without failing
// the run.
func (w *WorkerPool) record(ctx context.Context, requestID, userID int64, tier subscription.Tier, picks []scored) error {
	matchIDs := make([]int64, 0, len(picks))
	for _, pick := range picks {
		match := &Match{
			UserID:         userID,
			MatchedUserID:  pick.candidate.UserID,
			Score:          pick.breakdown.Total,
			ScoreBreakdown: *pick.breakdown,
			Tier:           tier,
			Status:         MatchPending,
		}
		created, err := w.repo.CreateMatch(ctx, match)
		if err != nil {
			return fmt.Errorf("creating match %d/%d: %w", userID, pick.candidate.UserID, err)
		}
		if !created {
			w.log.WithFields(logrus.Fields{
				"user_id":   userID,
				"candidate": pick.candidate.UserID,
			}).Debug("pair already matched, skipping")
			continue
		}
		matchIDs = append(matchIDs, match.ID)
		RecordMatchCreated(string(tier))
	}

	if err := w.repo.CompleteRequest(ctx, requestID, matchIDs); err != nil {
		return fmt.Errorf("completing request %d: %w", requestID, err)
	}
	RecordRequestCompleted(string(tier), "completed")

	w.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"user_id":    userID,
		"tier":       tier,
		"matches":    len(matchIDs),
	}).Info("Match request processed")
	return nil
}

func (w *WorkerPool) processStandard(ctx context.Context, job StandardMatchJob) error {
	claimed, err := w.repo.ClaimRequest(ctx, job.RequestID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	_, ranked, err := w.gather(ctx, job.UserID, nil)
	if err != nil {
		return err
	}

	// Best candidate above the score floor, or a clean empty result.
	var picks []scored
	if len(ranked) > 0 && ranked[0].breakdown.Total >= w.cfg.StandardScoreFloor {
		picks = ranked[:1]
	}
	return w.record(ctx, job.RequestID, job.UserID, subscription.TierStandard, picks)
}

func (w *WorkerPool) processPriority(ctx context.Context, job PriorityMatchJob) error {
	claimed, err := w.repo.ClaimRequest(ctx, job.RequestID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	_, ranked, err := w.gather(ctx, job.UserID, nil)
	if err != nil {
		return err
	}

	// Priority takes the single best candidate with no floor.
	var picks []scored
	if len(ranked) > 0 {
		picks = ranked[:1]
	}
	return w.record(ctx, job.RequestID, job.UserID, subscription.TierPriority, picks)
}

func (w *WorkerPool) processVip(ctx context.Context, job VipCurationJob) error {
	claimed, err := w.repo.ClaimRequest(ctx, job.RequestID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	// VIP curation only considers well-maintained profiles.
	vipReady := func(cand *ProfileSnapshot) bool {
		return cand.CompletionScore >= w.cfg.VipMinCompleteness &&
			cand.Vision != nil &&
			cand.PhotoCount >= w.cfg.VipMinPhotos
	}

	_, ranked, err := w.gather(ctx, job.UserID, vipReady)
	if err != nil {
		return err
	}

	picks := ranked
	if len(picks) > job.Limit {
		picks = picks[:job.Limit]
	}
	return w.record(ctx, job.RequestID, job.UserID, subscription.TierVip, picks)
}

// processNightly fans out one match request per active member, at the tier of
// the member's active subscription. Members with a live request at that tier
// are skipped; the per-user job key keeps concurrent batch runs from doubling
// up. Paid members who have run out of credits fall back to the standard pass.
func (w *WorkerPool) processNightly(ctx context.Context) error {
	memberIDs, err := w.profiles.ListActiveMemberIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing active members: %w", err)
	}

	tierOf := make(map[int64]subscription.Tier)
	for _, tier := range []subscription.Tier{subscription.TierPriority, subscription.TierVip} {
		ids, err := w.subscribers.ListActiveUserIDs(ctx, tier)
		if err != nil {
			return fmt.Errorf("listing %s subscribers: %w", tier, err)
		}
		for _, id := range ids {
			tierOf[id] = tier
		}
	}

	var accepted, skipped int
	for _, userID := range memberIDs {
		tier, ok := tierOf[userID]
		if !ok {
			tier = subscription.TierStandard
		}
		_, err := w.svc.RequestMatch(ctx, userID, tier, nil)
		if errors.Is(err, ErrNoCredits) {
			_, err = w.svc.RequestMatch(ctx, userID, subscription.TierStandard, nil)
		}
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrRequestInFlight):
			skipped++
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			w.log.WithError(err).WithField("user_id", userID).Warn("Nightly fan-out skipped member")
			skipped++
		}
	}

	w.log.WithFields(logrus.Fields{
		"members":  len(memberIDs),
		"accepted": accepted,
		"skipped":  skipped,
	}).Info("Nightly matching batch fanned out")
	return nil
}
