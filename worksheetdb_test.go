package worksheetgen

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *WorksheetDB {
	t.Helper()
	db, err := OpenWorksheetDB(filepath.Join(t.TempDir(), "worksheets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testResult(t *testing.T, id string, createdAt time.Time) *Result {
	t.Helper()
	b := testBatch(t, 3)
	b.ID = id
	b.CreatedAt = createdAt
	b.Modifiers = map[string]bool{ModifierShowWork: true}
	b.Items[1].HasVisual = true
	b.Items[1].VisualCode = goodFragment
	b.Items = append(b.Items, Item{Number: 4, Content: "Solve 2x = 9", FreeResponse: true})
	b.Answers = append(b.Answers, AnswerRecord{Number: 4, CorrectAnswer: "4.5", Solution: "divide"})
	return &Result{
		Batch:        b,
		Verification: VerificationOutcome{Passed: true, Status: VerificationUnavailable},
		Regenerated:  []int{2},
		Visuals: RepairReport{Results: []VisualResult{
			{Number: 1, Outcome: VisualNone},
			{Number: 2, Outcome: VisualCompiled},
			{Number: 3, Outcome: VisualStripped},
		}},
	}
}

func TestWorksheetDB_SaveAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	res := testResult(t, "ws-1", time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	require.NoError(t, db.SaveWorksheet(ctx, "caller-a", res))

	got, err := db.GetWorksheet(ctx, "ws-1")
	require.NoError(t, err)

	assert.Equal(t, "caller-a", got.CallerID)
	assert.Equal(t, res.Batch.Topics, got.Topics)
	assert.Equal(t, 4, got.NumItems)
	assert.Equal(t, VerificationUnavailable, got.VerificationStatus)
	assert.Equal(t, 1, got.Regenerated)
	assert.Equal(t, 1, got.VisualsStripped)
	assert.True(t, res.Batch.CreatedAt.Equal(got.CreatedAt))

	require.NotNil(t, got.Batch)
	assert.Equal(t, res.Batch.Items, got.Batch.Items)
	assert.Equal(t, res.Batch.Answers, got.Batch.Answers)
	assert.Equal(t, res.Batch.Modifiers, got.Batch.Modifiers)

	t.Run("duplicate ID is rejected", func(t *testing.T) {
		assert.Error(t, db.SaveWorksheet(ctx, "caller-a", res))
	})

	t.Run("unknown ID", func(t *testing.T) {
		_, err := db.GetWorksheet(ctx, "nope")
		assert.True(t, errors.Is(err, ErrWorksheetNotFound))
	})
}

func TestWorksheetDB_ListWorksheets(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveWorksheet(ctx, "caller-a", testResult(t, "old", base)))
	require.NoError(t, db.SaveWorksheet(ctx, "caller-a", testResult(t, "new", base.Add(time.Hour))))
	require.NoError(t, db.SaveWorksheet(ctx, "caller-b", testResult(t, "other", base.Add(30*time.Minute))))

	mine, err := db.ListWorksheets(ctx, "caller-a", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "new", mine[0].ID)
	assert.Equal(t, "old", mine[1].ID)

	all, err := db.ListWorksheets(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "other", all[1].ID)

	none, err := db.ListWorksheets(ctx, "caller-z", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWorksheetDB_Usage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	monthStart := StartOfMonth(time.Now())

	require.NoError(t, db.RecordUsage(ctx, "caller-a", "ws-1"))
	require.NoError(t, db.RecordUsage(ctx, "caller-a", "ws-1"))
	require.NoError(t, db.RecordUsage(ctx, "caller-a", "ws-2"))
	require.NoError(t, db.RecordUsage(ctx, "caller-b", "ws-3"))

	n, err := db.CountUsageSince(ctx, "caller-a", monthStart)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a retried increment counts once")

	n, err = db.CountUsageSince(ctx, "caller-b", monthStart)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = db.CountUsageSince(ctx, "caller-a", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStartOfMonth(t *testing.T) {
	got := StartOfMonth(time.Date(2026, 10, 19, 15, 4, 5, 0, time.FixedZone("PDT", -7*3600)))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), got)
}
