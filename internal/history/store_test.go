package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprolock/internal/fsys"
)

func sampleRun(start time.Time, outcome Outcome) Run {
	r := Run{
		RunID:        NewRunID(),
		StartTime:    start,
		DurationMS:   1200,
		Golden:       "golden/telemetry/bundle.json",
		Scratch:      "/tmp/scratch",
		GoldenDigest: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Outcome:      outcome,
	}
	if outcome != OutcomeEqual {
		p := "telemetry/r.lock.json"
		r.Failure = &Failure{Class: FailureClassDrift, Code: "DriftDetected", Message: "digest mismatch", Path: &p}
	}
	return r
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	run := sampleRun(time.Date(2024, 12, 13, 10, 0, 0, 0, time.UTC), OutcomeDrift)
	require.NoError(t, s.Save(run))

	got, err := s.Load(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	assert.True(t, run.StartTime.Equal(got.StartTime))
	assert.Equal(t, *run.Failure.Path, *got.Failure.Path)
}

func TestStore_ListOrdersByStartTime(t *testing.T) {
	s := NewStoreAt(fsys.Memory())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := sampleRun(t0.Add(time.Hour), OutcomeEqual)
	early := sampleRun(t0, OutcomeDrift)
	require.NoError(t, s.Save(late))
	require.NoError(t, s.Save(early))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, early.RunID, runs[0].RunID)
	assert.Equal(t, late.RunID, runs[1].RunID)
}

func TestStore_EmptyDirListsNothing(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	runs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_LoadMissingRun(t *testing.T) {
	s := NewStoreAt(fsys.Memory())
	_, err := s.Load(NewRunID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Load("../escape")
	assert.Error(t, err)
}

func TestStore_RejectsUnknownFieldsOnDisk(t *testing.T) {
	root := fsys.Memory()
	s := NewStoreAt(root)
	run := sampleRun(time.Now().UTC(), OutcomeEqual)
	require.NoError(t, root.WriteAtomic("runs/"+run.RunID+"/run.json",
		[]byte(`{"run_id":"`+run.RunID+`","start_time":"2024-01-01T00:00:00Z","duration_ms":1,"golden":"g","scratch":"s","outcome":"VerifiedEqual","bogus":1}`), 0o644))

	_, err := s.Load(run.RunID)
	assert.Error(t, err)
}

func TestRun_Validate(t *testing.T) {
	ok := sampleRun(time.Now(), OutcomeEqual)
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.RunID = "not-a-uuid"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Outcome = OutcomeDrift
	assert.Error(t, bad.Validate(), "drift needs a failure")

	bad = sampleRun(time.Now(), OutcomeDrift)
	bad.Failure.Class = "mystery"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Outcome = "Perhaps"
	assert.Error(t, bad.Validate())
}
