package matching

import (
	"context"
	"fmt"
	"testing"

	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

// fakeProfiles serves snapshots and candidate sets from memory
type fakeProfiles struct {
	snapshots  map[int64]*ProfileSnapshot
	candidates []*ProfileSnapshot
}

func (f *fakeProfiles) GetSnapshot(ctx context.Context, userID int64) (*ProfileSnapshot, error) {
	snap, ok := f.snapshots[userID]
	if !ok {
		return nil, fmt.Errorf("no snapshot for user %d", userID)
	}
	return snap, nil
}

func (f *fakeProfiles) ListActiveMemberIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id := range f.snapshots {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeProfiles) FindCandidates(ctx context.Context, seeker *ProfileSnapshot, excludeIDs []int64, limit int) ([]*ProfileSnapshot, error) {
	excluded := make(map[int64]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}
	var out []*ProfileSnapshot
	for _, cand := range f.candidates {
		if excluded[cand.UserID] {
			continue
		}
		out = append(out, cand)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeScorer assigns each candidate a fixed total and tracks who was scored
type fakeScorer struct {
	totals map[int64]float64
	reject map[int64]bool
	scored []int64
}

func (f *fakeScorer) PassesHardFilters(ctx context.Context, seeker, candidate *ProfileSnapshot) (bool, error) {
	return !f.reject[candidate.UserID], nil
}

func (f *fakeScorer) Score(ctx context.Context, seeker, candidate *ProfileSnapshot) (*ScoreBreakdown, error) {
	f.scored = append(f.scored, candidate.UserID)
	return &ScoreBreakdown{Total: f.totals[candidate.UserID]}, nil
}

func snapshot(userID int64, opts ...func(*ProfileSnapshot)) *ProfileSnapshot {
	snap := &ProfileSnapshot{
		UserID: userID,
		Basic: BasicSection{
			DisplayName: fmt.Sprintf("member-%d", userID),
			Gender:      "female",
			Age:         30,
			City:        "Nairobi",
			CountryCode: "KE",
		},
		Preferences: PreferencesSection{
			PreferredGender: "male",
			MinAge:          25,
			MaxAge:          40,
		},
		CompletionScore: 0.95,
		PhotoCount:      4,
	}
	for _, opt := range opts {
		opt(snap)
	}
	return snap
}

func withVision(snap *ProfileSnapshot) {
	snap.Vision = &VisionSection{FamilyGoals: "children", TimelineYears: 2, Statement: "settle down"}
}

func newTestWorker(repo Repository, profiles *fakeProfiles, sc Scorer, svc Service) *WorkerPool {
	return newTestWorkerWithSubs(repo, profiles, sc, svc, &fakeSubs{})
}

func newTestWorkerWithSubs(repo Repository, profiles *fakeProfiles, sc Scorer, svc Service, subs SubscriberDirectory) *WorkerPool {
	return NewWorkerPool(nil, repo, svc, profiles, profiles, subs, sc, WorkerConfig{
		Concurrency:        1,
		StandardScoreFloor: 0.6,
		CandidateLimit:     100,
		VipMinCompleteness: 0.9,
		VipMinPhotos:       3,
	}, quietLogger())
}

func queuedRequest(t *testing.T, repo Repository, userID int64, tier subscription.Tier) *MatchRequest {
	t.Helper()
	req := &MatchRequest{
		UserID:      userID,
		Tier:        tier,
		QueueClass:  string(ClassForTier(tier)),
		MaxAttempts: 3,
	}
	if err := repo.CreateMatchRequest(context.Background(), req); err != nil {
		t.Fatalf("creating request: %v", err)
	}
	return req
}

func TestPriorityJobCreatesSingleBestMatch(t *testing.T) {
	repo := newFakeMatchRepo()
	profiles := &fakeProfiles{
		snapshots:  map[int64]*ProfileSnapshot{10: snapshot(10)},
		candidates: []*ProfileSnapshot{snapshot(20), snapshot(21)},
	}
	sc := &fakeScorer{totals: map[int64]float64{20: 0.82, 21: 0.55}}
	w := newTestWorker(repo, profiles, sc, nil)
	ctx := context.Background()

	req := queuedRequest(t, repo, 10, subscription.TierPriority)
	if err := w.processPriority(ctx, PriorityMatchJob{UserID: 10, RequestID: req.ID}); err != nil {
		t.Fatalf("processPriority: %v", err)
	}

	if len(repo.matches) != 1 {
		t.Fatalf("matches created: got %d, want 1", len(repo.matches))
	}
	var match *Match
	for _, m := range repo.matches {
		match = m
	}
	if match.UserID != 10 || match.MatchedUserID != 20 {
		t.Errorf("match pair: %d/%d", match.UserID, match.MatchedUserID)
	}
	if match.Status != MatchPending || match.Score != 0.82 {
		t.Errorf("match state: %+v", match)
	}
	if match.ScoreBreakdown.Total != 0.82 {
		t.Errorf("stored breakdown total: %v", match.ScoreBreakdown.Total)
	}

	done, _ := repo.GetMatchRequest(ctx, req.ID)
	if done.Status != RequestCompleted {
		t.Errorf("request status: %s", done.Status)
	}
	if len(done.ResultMatchIDs) != 1 || done.ResultMatchIDs[0] != match.ID {
		t.Errorf("result ids: %v", done.ResultMatchIDs)
	}
}

func TestStandardJobHonorsScoreFloor(t *testing.T) {
	repo := newFakeMatchRepo()
	profiles := &fakeProfiles{
		snapshots:  map[int64]*ProfileSnapshot{10: snapshot(10)},
		candidates: []*ProfileSnapshot{snapshot(20), snapshot(21)},
	}
	// Best candidate sits below the floor.
	sc := &fakeScorer{totals: map[int64]float64{20: 0.59, 21: 0.40}}
	w := newTestWorker(repo, profiles, sc, nil)
	ctx := context.Background()

	req := queuedRequest(t, repo, 10, subscription.TierStandard)
	if err := w.processStandard(ctx, StandardMatchJob{UserID: 10, RequestID: req.ID}); err != nil {
		t.Fatalf("processStandard: %v", err)
	}

	if len(repo.matches) != 0 {
		t.Errorf("sub-floor candidate matched: %d matches", len(repo.matches))
	}
	done, _ := repo.GetMatchRequest(ctx, req.ID)
	if done.Status != RequestCompleted {
		t.Errorf("request status: %s, want completed with zero matches", done.Status)
	}
}

func TestVipCurationFiltersAndRanks(t *testing.T) {
	repo := newFakeMatchRepo()

	// Ten candidates; only four clear the VIP baseline of >=0.9
	// completeness, a vision section and three photos.
	var candidates []*ProfileSnapshot
	for i := int64(20); i < 30; i++ {
		id := i
		switch id {
		case 20, 21, 22, 23:
			candidates = append(candidates, snapshot(id, withVision))
		case 24:
			candidates = append(candidates, snapshot(id, withVision, func(s *ProfileSnapshot) {
				s.CompletionScore = 0.7
			}))
		case 25:
			candidates = append(candidates, snapshot(id, withVision, func(s *ProfileSnapshot) {
				s.PhotoCount = 2
			}))
		default:
			candidates = append(candidates, snapshot(id)) // no vision
		}
	}

	totals := map[int64]float64{20: 0.9, 21: 0.7, 22: 0.95, 23: 0.8}
	for i := int64(24); i < 30; i++ {
		totals[i] = 0.99 // would win if the filter leaked
	}

	profiles := &fakeProfiles{
		snapshots:  map[int64]*ProfileSnapshot{10: snapshot(10)},
		candidates: candidates,
	}
	sc := &fakeScorer{totals: totals}
	w := newTestWorker(repo, profiles, sc, nil)
	ctx := context.Background()

	req := queuedRequest(t, repo, 10, subscription.TierVip)
	if err := w.processVip(ctx, VipCurationJob{UserID: 10, RequestID: req.ID, Limit: 3}); err != nil {
		t.Fatalf("processVip: %v", err)
	}

	if len(sc.scored) != 4 {
		t.Errorf("candidates scored: got %d (%v), want the 4 VIP-ready ones", len(sc.scored), sc.scored)
	}
	if len(repo.matches) != 3 {
		t.Fatalf("matches created: got %d, want limit 3", len(repo.matches))
	}
	got := make(map[int64]bool)
	for _, m := range repo.matches {
		got[m.MatchedUserID] = true
	}
	for _, want := range []int64{22, 20, 23} {
		if !got[want] {
			t.Errorf("top-3 missing candidate %d (got %v)", want, got)
		}
	}
}

func TestEmptyCandidateSetCompletesWithZeroMatches(t *testing.T) {
	repo := newFakeMatchRepo()
	profiles := &fakeProfiles{snapshots: map[int64]*ProfileSnapshot{10: snapshot(10)}}
	w := newTestWorker(repo, profiles, &fakeScorer{}, nil)
	ctx := context.Background()

	req := queuedRequest(t, repo, 10, subscription.TierPriority)
	if err := w.processPriority(ctx, PriorityMatchJob{UserID: 10, RequestID: req.ID}); err != nil {
		t.Fatalf("empty candidate set treated as failure: %v", err)
	}

	done, _ := repo.GetMatchRequest(ctx, req.ID)
	if done.Status != RequestCompleted || len(done.ResultMatchIDs) != 0 {
		t.Errorf("request: status=%s results=%v", done.Status, done.ResultMatchIDs)
	}
}

func TestExistingPairIsSkippedNotDuplicated(t *testing.T) {
	repo := newFakeMatchRepo()
	ctx := context.Background()

	// The reverse-direction match already exists.
	if _, err := repo.CreateMatch(ctx, &Match{UserID: 20, MatchedUserID: 10, Score: 0.7, Tier: subscription.TierStandard, Status: MatchPending}); err != nil {
		t.Fatal(err)
	}

	profiles := &fakeProfiles{
		snapshots:  map[int64]*ProfileSnapshot{10: snapshot(10)},
		candidates: []*ProfileSnapshot{snapshot(20)},
	}
	sc := &fakeScorer{totals: map[int64]float64{20: 0.9}}
	w := newTestWorker(repo, profiles, sc, nil)

	req := queuedRequest(t, repo, 10, subscription.TierPriority)
	if err := w.processPriority(ctx, PriorityMatchJob{UserID: 10, RequestID: req.ID}); err != nil {
		t.Fatalf("processPriority: %v", err)
	}

	if len(repo.matches) != 1 {
		t.Errorf("pair duplicated: %d matches", len(repo.matches))
	}
	done, _ := repo.GetMatchRequest(ctx, req.ID)
	if done.Status != RequestCompleted {
		t.Errorf("request status: %s", done.Status)
	}
}

func TestRedeliveredJobIsNoOpAfterCompletion(t *testing.T) {
	repo := newFakeMatchRepo()
	profiles := &fakeProfiles{
		snapshots:  map[int64]*ProfileSnapshot{10: snapshot(10)},
		candidates: []*ProfileSnapshot{snapshot(20)},
	}
	sc := &fakeScorer{totals: map[int64]float64{20: 0.9}}
	w := newTestWorker(repo, profiles, sc, nil)
	ctx := context.Background()

	req := queuedRequest(t, repo, 10, subscription.TierPriority)
	job := PriorityMatchJob{UserID: 10, RequestID: req.ID}

	if err := w.processPriority(ctx, job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.processPriority(ctx, job); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(repo.matches) != 1 {
		t.Errorf("re-delivery created matches: %d total", len(repo.matches))
	}
	if len(sc.scored) != 1 {
		t.Errorf("re-delivery re-scored: %d score calls", len(sc.scored))
	}
}

func TestNightlyBatchFansOutPerMember(t *testing.T) {
	repo := newFakeMatchRepo()
	profiles := &fakeProfiles{snapshots: map[int64]*ProfileSnapshot{
		1: snapshot(1), 2: snapshot(2), 3: snapshot(3),
	}}
	// Member 3 holds an active VIP subscription; the rest run standard.
	subs := &fakeSubs{tiers: map[int64]subscription.Tier{3: subscription.TierVip}}
	q := &fakeEnqueuer{}
	svc := newTestService(repo, subs, q)
	w := newTestWorkerWithSubs(repo, profiles, &fakeScorer{}, svc, subs)
	ctx := context.Background()

	// Member 2 already has a live standard request.
	queuedRequest(t, repo, 2, subscription.TierStandard)

	if err := w.processNightly(ctx); err != nil {
		t.Fatalf("processNightly: %v", err)
	}

	tiers := make(map[int64]subscription.Tier)
	for _, r := range repo.requests {
		if r.Status == RequestQueued {
			if _, dup := tiers[r.UserID]; dup {
				t.Errorf("member %d has two live requests", r.UserID)
			}
			tiers[r.UserID] = r.Tier
		}
	}
	for id, want := range map[int64]subscription.Tier{
		1: subscription.TierStandard,
		2: subscription.TierStandard,
		3: subscription.TierVip,
	} {
		if tiers[id] != want {
			t.Errorf("member %d requested at %q, want %q", id, tiers[id], want)
		}
	}
	// Two new enqueues; member 2 was skipped.
	if len(q.calls) != 2 {
		t.Errorf("enqueue calls: got %d, want 2", len(q.calls))
	}
}

func TestNightlyBatchFallsBackWhenCreditsRunOut(t *testing.T) {
	repo := newFakeMatchRepo()
	profiles := &fakeProfiles{snapshots: map[int64]*ProfileSnapshot{1: snapshot(1)}}
	subs := &fakeSubs{
		tiers:   map[int64]subscription.Tier{1: subscription.TierPriority},
		credits: map[int64]int{1: 0},
	}
	q := &fakeEnqueuer{}
	svc := newTestService(repo, subs, q)
	w := newTestWorkerWithSubs(repo, profiles, &fakeScorer{}, svc, subs)

	if err := w.processNightly(context.Background()); err != nil {
		t.Fatalf("processNightly: %v", err)
	}

	var got *MatchRequest
	for _, r := range repo.requests {
		got = r
	}
	if got == nil || got.Tier != subscription.TierStandard {
		t.Fatalf("broke subscriber fan-out: %+v, want a standard request", got)
	}
}
