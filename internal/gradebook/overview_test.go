package gradebook

import (
	"context"
	"testing"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/dwr"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestAttemptGroupFields(t *testing.T) {
	info := dwr.AttemptInfo{
		ID:             "_1_1",
		Score:          ptr(0.0),
		Status:         ptr("ng"),
		GroupAttemptID: "_2_1",
		GroupScore:     ptr(1.0),
	}

	single := Attempt{Info: info, Assignment: Assignment{}}
	require.Equal(t, "_1_1", single.ID())
	require.Equal(t, 0.0, *single.Score())
	require.True(t, single.NeedsGrading())

	group := Attempt{Info: info, Assignment: Assignment{Group: true}}
	require.Equal(t, "_2_1", group.ID())
	require.Equal(t, 1.0, *group.Score())
	require.False(t, group.NeedsGrading())
}

func TestRefreshAttempts(t *testing.T) {
	f, session := newFakeLMS(t)
	ctx := context.Background()
	tel := &telemetry.Recorder{}

	ov, err := FetchOverview(ctx, session, courseID, tel)
	require.NoError(t, err)

	client := dwr.NewClient(session, courseID, tel)
	require.NoError(t, ov.RefreshAttempts(ctx, client, tel))
	require.Equal(t, 1, f.dwrCalls)

	ada := ov.Students["_1001_1"]
	attempts := ov.Attempts(ada, "219347")
	require.Len(t, attempts, 1)
	require.Equal(t, "g219347", attempts[0].ID())
	require.Equal(t, "Gruppe DA1 hold 3", ov.GroupName(ada))
	require.Equal(t, "_1002_1-219300", ov.Students["_1002_1"].Assignments["219300"].Attempts[0].ID)

	// nothing left to fetch
	require.NoError(t, ov.RefreshAttempts(ctx, client, tel))
	require.Equal(t, 1, f.dwrCalls)
}

func TestCopyAttempts(t *testing.T) {
	_, session := newFakeLMS(t)
	ctx := context.Background()
	tel := &telemetry.Recorder{}

	prev, err := FetchOverview(ctx, session, courseID, tel)
	require.NoError(t, err)
	kept := []dwr.AttemptInfo{{ID: "_9_1"}}
	prev.Students["_1001_1"].Assignments["219347"].Attempts = kept
	prev.Students["_1001_1"].Assignments["219300"].Attempts = kept
	prev.Students["_1002_1"].Assignments["219300"].Attempts = kept

	ov, err := FetchOverview(ctx, session, courseID, tel)
	require.NoError(t, err)
	// a new hand-in and a changed score invalidate the old attempts
	prev.Students["_1001_1"].Assignments["219300"].NeedsGrading = false
	prev.Students["_1002_1"].Assignments["219300"].Score = 1.0

	ov.CopyAttempts(prev)
	require.Equal(t, kept, ov.Students["_1001_1"].Assignments["219347"].Attempts)
	require.Nil(t, ov.Students["_1001_1"].Assignments["219300"].Attempts)
	require.Nil(t, ov.Students["_1002_1"].Assignments["219300"].Attempts)

	ov.CopyAttempts(nil)
}
