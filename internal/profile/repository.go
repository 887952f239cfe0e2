package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/donmaleek/Kujuana-sub002/internal/matching"
)

var ErrProfileNotFound = errors.New("profile not found")

// profileRow is the flat Postgres shape behind the snapshot value object
type profileRow struct {
	UserID             int64           `db:"user_id"`
	DisplayName        string          `db:"display_name"`
	Gender             string          `db:"gender"`
	Age                int             `db:"age"`
	City               string          `db:"city"`
	CountryCode        string          `db:"country_code"`
	Religion           string          `db:"religion"`
	Education          string          `db:"education"`
	Profession         string          `db:"profession"`
	WillingRelocate    bool            `db:"willing_relocate"`
	PreferredGender    string          `db:"preferred_gender"`
	MinAge             int             `db:"min_age"`
	MaxAge             int             `db:"max_age"`
	PreferredReligion  sql.NullString  `db:"preferred_religion"`
	RequiresRelocation bool            `db:"requires_relocation"`
	VisionFamilyGoals  sql.NullString  `db:"vision_family_goals"`
	VisionTimeline     sql.NullInt64   `db:"vision_timeline_years"`
	VisionStatement    sql.NullString  `db:"vision_statement"`
	CompletionScore    float64         `db:"completion_score"`
	PhotoCount         int             `db:"photo_count"`
}

const snapshotColumns = `
    p.user_id, p.display_name, p.gender, p.age, p.city, p.country_code,
    p.religion, p.education, p.profession, p.willing_relocate,
    p.preferred_gender, p.min_age, p.max_age, p.preferred_religion,
    p.requires_relocation, p.vision_family_goals, p.vision_timeline_years,
    p.vision_statement, p.completion_score,
    (SELECT COUNT(*) FROM profile_photos ph WHERE ph.user_id = p.user_id) AS photo_count
`

// Repository implements the matching side's ProfileStore and
// CandidateRepository contracts over Postgres.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetSnapshot(ctx context.Context, userID int64) (*matching.ProfileSnapshot, error) {
	var row profileRow
	query := fmt.Sprintf(`SELECT %s FROM profiles p WHERE p.user_id = $1`, snapshotColumns)

	err := r.db.GetContext(ctx, &row, query, userID)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toSnapshot(), nil
}

func (r *Repository) ListActiveMemberIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	query := `SELECT user_id FROM profiles WHERE is_active = true ORDER BY user_id`

	err := r.db.SelectContext(ctx, &ids, query)
	return ids, err
}

// FindCandidates returns up to limit active profiles compatible with the
// seeker's gender and age preferences in both directions. Ordering is
// unspecified; ranking belongs to the scorer.
func (r *Repository) FindCandidates(ctx context.Context, seeker *matching.ProfileSnapshot, excludeIDs []int64, limit int) ([]*matching.ProfileSnapshot, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM profiles p
        WHERE p.is_active = true
          AND p.user_id != ALL($1)
          AND p.gender = $2
          AND p.age BETWEEN $3 AND $4
          AND p.preferred_gender = $5
          AND $6 BETWEEN p.min_age AND p.max_age
        LIMIT $7
    `, snapshotColumns)

	var rows []profileRow
	err := r.db.SelectContext(
		ctx, &rows, query,
		pq.Array(excludeIDs),
		seeker.Preferences.PreferredGender,
		seeker.Preferences.MinAge, seeker.Preferences.MaxAge,
		seeker.Basic.Gender,
		seeker.Basic.Age,
		limit,
	)
	if err != nil {
		return nil, err
	}

	snapshots := make([]*matching.ProfileSnapshot, 0, len(rows))
	for i := range rows {
		snapshots = append(snapshots, rows[i].toSnapshot())
	}
	return snapshots, nil
}

func (row *profileRow) toSnapshot() *matching.ProfileSnapshot {
	snap := &matching.ProfileSnapshot{
		UserID: row.UserID,
		Basic: matching.BasicSection{
			DisplayName: row.DisplayName,
			Gender:      row.Gender,
			Age:         row.Age,
			City:        row.City,
			CountryCode: row.CountryCode,
		},
		Background: matching.BackgroundSection{
			Religion:        row.Religion,
			Education:       row.Education,
			Profession:      row.Profession,
			WillingRelocate: row.WillingRelocate,
		},
		Preferences: matching.PreferencesSection{
			PreferredGender:    row.PreferredGender,
			MinAge:             row.MinAge,
			MaxAge:             row.MaxAge,
			PreferredReligion:  row.PreferredReligion.String,
			RequiresRelocation: row.RequiresRelocation,
		},
		CompletionScore: row.CompletionScore,
		PhotoCount:      row.PhotoCount,
	}

	// The vision section exists only when the member wrote a statement.
	if row.VisionStatement.Valid {
		snap.Vision = &matching.VisionSection{
			FamilyGoals:   row.VisionFamilyGoals.String,
			TimelineYears: int(row.VisionTimeline.Int64),
			Statement:     row.VisionStatement.String,
		}
	}

	return snap
}
