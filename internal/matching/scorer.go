// internal/matching/scorer.go
// Boundary contracts consumed by the worker pool. The scoring mathematics and
// the candidate search live outside this core; both are deterministic,
// side-effect-free collaborators from the pipeline's point of view.

package matching

import "context"

// Scorer is the compatibility boundary: a binary hard gate plus a weighted
// score. Both functions are total for validated snapshots; Total is a bounded
// aggregate usable for ranking candidates of the same seeker.
type Scorer interface {
	PassesHardFilters(ctx context.Context, seeker, candidate *ProfileSnapshot) (bool, error)
	Score(ctx context.Context, seeker, candidate *ProfileSnapshot) (*ScoreBreakdown, error)
}

// ProfileStore loads frozen snapshots for scoring
type ProfileStore interface {
	GetSnapshot(ctx context.Context, userID int64) (*ProfileSnapshot, error)
	ListActiveMemberIDs(ctx context.Context) ([]int64, error)
}

// CandidateRepository returns a bounded candidate set for a seeker, already
// excluding the given ids. No ordering is assumed.
type CandidateRepository interface {
	FindCandidates(ctx context.Context, seeker *ProfileSnapshot, excludeIDs []int64, limit int) ([]*ProfileSnapshot, error)
}
