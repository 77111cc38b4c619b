package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/scene"
)

type memoryBackend struct {
	mu       sync.Mutex
	data     []byte
	failures int
	writes   int
}

func (m *memoryBackend) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("disk full")
	}
	m.writes++
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memoryBackend) Read(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNotFound
	}
	return m.data, nil
}

func (m *memoryBackend) Remove(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

func sampleState() State {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return State{
		Jobs: []*jobs.Job{{
			ID:                 "a",
			Input:              "a lighthouse keeper",
			Status:             jobs.StatusProcessing,
			CurrentStep:        jobs.StepScript,
			LastCompletedBatch: 1,
			Outputs:            map[jobs.Step]string{jobs.StepOutline: `{"title":"Lamp"}`},
			CreatedAt:          now,
			UpdatedAt:          now,
		}},
		ProcessedJobs: []*jobs.Job{{
			ID:           "b",
			Status:       jobs.StatusCompleted,
			CurrentStep:  jobs.LastStep + 1,
			QualityScore: 88,
			Warnings:     []scene.Warning{{SceneIndex: 3, Actual: 35, Target: 20, Tolerance: 3, Diff: 12, Kind: scene.WarningTooLong}},
			StillInvalid: []int{4},
			CreatedAt:    now,
			UpdatedAt:    now,
		}},
		Config: Config{SceneCount: 6, WordMin: 17, WordMax: 23, DelaySeconds: 1.5},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(NewFileBackend(path), WithClock(func() time.Time { return now }))

	in := sampleState()
	require.NoError(t, s.Save(context.Background(), in))

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Version, out.Version)
	assert.Equal(t, now.UnixMilli(), out.LastUpdated)
	assert.Equal(t, in.Config, out.Config)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, in.Jobs[0].Outputs, out.Jobs[0].Outputs)
	assert.Equal(t, 1, out.Jobs[0].LastCompletedBatch)
	require.Len(t, out.ProcessedJobs, 1)
	assert.Equal(t, in.ProcessedJobs[0].Warnings, out.ProcessedJobs[0].Warnings)
	assert.Equal(t, []int{4}, out.ProcessedJobs[0].StillInvalid)
}

func TestStore_JSONSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := NewStore(NewFileBackend(path))
	require.NoError(t, s.Save(context.Background(), State{Config: Config{SceneCount: 6}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"jobs", "processedJobs", "config", "lastUpdated", "version"} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, []any{}, doc["jobs"])
	cfg := doc["config"].(map[string]any)
	for _, key := range []string{"sceneCount", "wordMin", "wordMax", "delaySeconds"} {
		assert.Contains(t, cfg, key)
	}
}

func TestStore_LoadMissingAndBadVersion(t *testing.T) {
	b := &memoryBackend{}
	s := NewStore(b)

	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	b.data = []byte(`{"version":"0.9","jobs":[]}`)
	_, err = s.Load(context.Background())
	assert.ErrorContains(t, err, "unsupported version")
}

func TestStore_HasResumable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	b := &memoryBackend{}
	s := NewStore(b, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	assert.False(t, s.HasResumable(ctx), "nothing stored")

	require.NoError(t, s.Save(ctx, sampleState()))
	assert.True(t, s.HasResumable(ctx))

	clock = now.Add(23 * time.Hour)
	assert.True(t, s.HasResumable(ctx))
	clock = now.Add(25 * time.Hour)
	assert.False(t, s.HasResumable(ctx), "too old")

	clock = now
	done := sampleState()
	done.Jobs = nil
	require.NoError(t, s.Save(ctx, done))
	assert.False(t, s.HasResumable(ctx), "no pending jobs")

	b.data = []byte("{not json")
	assert.False(t, s.HasResumable(ctx))
}

func TestStore_AgeOf(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(&memoryBackend{}, WithClock(func() time.Time { return now }))
	st := State{LastUpdated: now.Add(-3 * time.Minute).UnixMilli()}
	assert.Equal(t, "3 minutes ago", s.AgeOf(st))
}

func TestStore_SaveAsyncLatestWins(t *testing.T) {
	b := &memoryBackend{}
	s := NewStore(b)

	for i := 1; i <= 20; i++ {
		st := sampleState()
		st.Config.SceneCount = i
		s.SaveAsync(st)
	}
	require.NoError(t, s.Flush(context.Background()))

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, out.Config.SceneCount)
	assert.LessOrEqual(t, b.writes, 20)
}

func TestStore_SaveAsyncRetriesFailedWrite(t *testing.T) {
	b := &memoryBackend{failures: 1}
	s := NewStore(b)
	ctx := context.Background()

	s.SaveAsync(sampleState())
	require.NoError(t, s.wait(ctx))
	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound, "first write failed")

	require.NoError(t, s.Flush(ctx))
	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, out.Config.SceneCount)
}

func TestStore_NextSaveSupersedesFailedWrite(t *testing.T) {
	b := &memoryBackend{failures: 1}
	s := NewStore(b)
	ctx := context.Background()

	s.SaveAsync(sampleState())
	require.NoError(t, s.wait(ctx))

	next := sampleState()
	next.Config.SceneCount = 9
	s.SaveAsync(next)
	require.NoError(t, s.Flush(ctx))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, out.Config.SceneCount)
	assert.Equal(t, 1, b.writes)
}

func TestStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := NewStore(NewFileBackend(path))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleState()))
	require.NoError(t, s.Clear(ctx))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Clear(ctx), "clearing twice is fine")
	assert.False(t, s.HasResumable(ctx))
}
