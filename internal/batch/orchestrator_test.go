package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/scriptbatch/internal/prompts"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/internal/scene"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*provider.Response)
	return resp, args.Error(1)
}

func (m *mockProvider) IsAvailable() bool { return true }
func (m *mockProvider) Name() string      { return "mock" }

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func sceneText(idx, n int) string {
	return fmt.Sprintf("Scene %d: Title %d\nVisual: A wide shot of the harbour at dawn, gulls circling.\nVoiceover: %s (%d words)\n\n", idx, idx, words(n), n)
}

func reply(parts ...string) *provider.Response {
	return &provider.Response{Content: strings.Join(parts, ""), FinishReason: provider.FinishStop}
}

func asking(fragment string) any {
	return mock.MatchedBy(func(req provider.Request) bool {
		return strings.Contains(req.UserMessage, fragment)
	})
}

var window = scene.Window{Target: 20, Tolerance: 3}

func newOrchestrator(t *testing.T, p provider.Provider, opts ...Option) *Orchestrator {
	t.Helper()
	lib, err := prompts.Default()
	require.NoError(t, err)
	return NewOrchestrator(p, lib, append([]Option{WithDelay(0)}, opts...)...)
}

func TestRangeFor(t *testing.T) {
	r, ok := RangeFor(0, 10)
	assert.True(t, ok)
	assert.Equal(t, Range{1, 3}, r)

	r, ok = RangeFor(3, 10)
	assert.True(t, ok)
	assert.Equal(t, Range{10, 10}, r)

	_, ok = RangeFor(4, 10)
	assert.False(t, ok)
	_, ok = RangeFor(-1, 10)
	assert.False(t, ok)

	assert.Equal(t, 4, Count(10))
	assert.Equal(t, 2, Count(6))
	assert.Equal(t, 0, Count(0))
}

func TestRangeFor_ExactOnceCoverage(t *testing.T) {
	for total := 1; total <= 40; total++ {
		seen := make(map[int]int)
		prevEnd := 0
		for idx := 0; ; idx++ {
			r, ok := RangeFor(idx, total)
			if !ok {
				break
			}
			require.Equal(t, prevEnd+1, r.Start)
			prevEnd = r.End
			for _, i := range r.Indices() {
				seen[i]++
			}
		}
		require.Len(t, seen, total)
		for i := 1; i <= total; i++ {
			require.Equal(t, 1, seen[i], "total %d index %d", total, i)
		}
	}
}

func TestFeedback_MissingComesFirst(t *testing.T) {
	warn := window.Check(scene.Scene{Index: 3, Voiceover: words(35), WordCount: 35})
	require.NotNil(t, warn)

	fb := Feedback([]int{5}, []scene.Warning{*warn}, window, scene.English)
	assert.True(t, strings.HasPrefix(fb, "- Missing scene: 5."), fb)
	assert.Contains(t, fb, "Scene 3 is too long (35 words)")
	assert.Less(t, strings.Index(fb, "Missing"), strings.Index(fb, "Scene 3"))

	only := Feedback(nil, []scene.Warning{*warn}, window, scene.English)
	assert.NotContains(t, only, "Missing")
	assert.NotContains(t, only, "Secondary")

	assert.Contains(t, Feedback([]int{4, 6}, nil, window, scene.English), "Missing scenes: 4, 6")
}

func TestRun_AcceptsOnFirstValidAnswer(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, asking("Write scenes 1, 2, 3 of 3")).
		Return(reply(sceneText(1, 20), sceneText(2, 19), sceneText(3, 23)), nil).Once()

	var events []Progress
	o := newOrchestrator(t, p, WithProgress(func(ev Progress) { events = append(events, ev) }))
	res, err := o.Run(context.Background(), Request{
		JobID: "job-1", Step: 3, Range: Range{1, 3}, Total: 3,
		Input: "a lighthouse", Window: window, Profile: scene.English,
	})
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Missing)
	require.Len(t, res.Scenes, 3)
	assert.Equal(t, []int{1, 2, 3}, scene.Present(res.Text, scene.English))

	require.NotEmpty(t, events)
	assert.Equal(t, "job-1", events[0].JobID)
	assert.Equal(t, 3, events[0].Step)
	assert.True(t, strings.HasPrefix(events[len(events)-1].Message, string(StateAccepted)))
	p.AssertExpectations(t)
}

func TestRun_MergesRetriesByIndex(t *testing.T) {
	p := &mockProvider{}
	var seen []string
	record := func(args mock.Arguments) {
		seen = append(seen, args.Get(1).(provider.Request).UserMessage)
	}
	p.On("Generate", mock.Anything, asking("Write scenes")).
		Return(reply(sceneText(1, 20), sceneText(3, 12), sceneText(9, 20)), nil).Run(record).Once()
	p.On("Generate", mock.Anything, asking("Write scenes")).
		Return(reply(sceneText(2, 21), sceneText(3, 20)), nil).Run(record).Once()

	o := newOrchestrator(t, p)
	res, err := o.Run(context.Background(), Request{Range: Range{1, 3}, Total: 3, Window: window, Profile: scene.English})
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []int{1, 2, 3}, scene.Present(res.Text, scene.English))
	assert.Equal(t, 20, res.Scenes[2].WordCount, "newer answer replaces scene 3")

	require.Len(t, seen, 2)
	assert.NotContains(t, seen[0], "previous answer")
	assert.Contains(t, seen[1], "Missing scene: 2.")
	assert.Contains(t, seen[1], "Scene 3 is too short (12 words)")
	assert.Contains(t, seen[1], "Write scenes 1, 2, 3 of 3", "retry still names the whole range")
	p.AssertExpectations(t)
}

func TestRun_RecoveryFillsOnlyAbsentSlots(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, asking("Write scenes 4, 5, 6")).
		Return(reply(sceneText(4, 20), sceneText(6, 20)), nil).Times(DefaultMaxAttempts)
	p.On("Generate", mock.Anything, asking("missing scenes 5 of 6")).
		Return(reply(sceneText(4, 2), sceneText(5, 21)), nil).Once()

	o := newOrchestrator(t, p)
	res, err := o.Run(context.Background(), Request{Range: Range{4, 6}, Total: 6, Window: window, Profile: scene.English})
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, res.State)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, []int{5}, res.Recovered)
	assert.Empty(t, res.Missing)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 20, res.Scenes[0].WordCount, "scene 4 is not replaced by the recovery answer")
	p.AssertExpectations(t)
}

func TestRun_ExhaustedWhenRecoveryFails(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, asking("Write scenes 1, 2")).
		Return(reply(sceneText(1, 20)), nil).Times(2)
	p.On("Generate", mock.Anything, asking("missing scenes 2 of 2")).
		Return(reply("Sorry, I cannot help with that."), nil).Once()

	o := newOrchestrator(t, p, WithMaxAttempts(2))
	res, err := o.Run(context.Background(), Request{Range: Range{1, 2}, Total: 2, Window: window, Profile: scene.English})
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, []int{2}, res.Missing)
	assert.Empty(t, res.Recovered)
	assert.Equal(t, []int{1}, scene.Present(res.Text, scene.English))
	p.AssertExpectations(t)
}

func TestRun_ProviderErrorEscapes(t *testing.T) {
	boom := &provider.Error{Kind: provider.KindService, Message: "giving up"}
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return(nil, boom).Once()

	o := newOrchestrator(t, p)
	_, err := o.Run(context.Background(), Request{Range: Range{1, 3}, Total: 3, Window: window, Profile: scene.English})
	require.Error(t, err)

	var perr *provider.Error
	assert.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "batch 1-3 attempt 1")
}

func TestRun_StepComplete(t *testing.T) {
	o := newOrchestrator(t, &mockProvider{})
	_, err := o.Run(context.Background(), Request{Range: Range{7, 9}, Total: 6, Window: window, Profile: scene.English})
	assert.ErrorIs(t, err, ErrStepComplete)
}

func TestRun_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).
		Return(reply(sceneText(1, 20)), nil).Run(func(mock.Arguments) { cancel() }).Once()

	o := newOrchestrator(t, p)
	_, err := o.Run(ctx, Request{Range: Range{1, 2}, Total: 2, Window: window, Profile: scene.English})
	assert.ErrorIs(t, err, context.Canceled)
}

// Six scenes in two batches: scene 3 is always 35 words and scene 5 never
// arrives until the recovery call.
func TestRunStep_SixSceneScenario(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, asking("Write scenes 1, 2, 3 of 6")).
		Return(reply(sceneText(1, 20), sceneText(2, 20), sceneText(3, 35)), nil).Times(DefaultMaxAttempts)
	p.On("Generate", mock.Anything, asking("Write scenes 4, 5, 6 of 6")).
		Return(reply(sceneText(4, 20), sceneText(6, 20)), nil).Times(DefaultMaxAttempts)
	p.On("Generate", mock.Anything, asking("missing scenes 5 of 6")).
		Return(reply(sceneText(5, 20)), nil).Once()

	var checkpoints []string
	var results []*Result
	o := newOrchestrator(t, p)
	out, err := o.RunStep(context.Background(), StepRequest{
		JobID: "job-6", Step: 3, Input: "a harbour town", Total: 6,
		Window: window, Profile: scene.English,
	}, func(batchIndex int, text string, res *Result) error {
		checkpoints = append(checkpoints, text)
		results = append(results, res)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Batches)
	require.Len(t, results, 2)
	assert.Equal(t, Range{1, 3}, results[0].Range)
	assert.Equal(t, Range{4, 6}, results[1].Range)
	assert.Equal(t, []int{5}, results[1].Recovered)
	assert.Equal(t, []int{1, 2, 3}, scene.Present(checkpoints[0], scene.English))

	assert.Empty(t, out.Missing)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, scene.Present(out.Text, scene.English))
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, 3, out.Warnings[0].SceneIndex)
	assert.Equal(t, 35, out.Warnings[0].Actual)
	assert.Equal(t, 12, out.Warnings[0].Diff)
	assert.Equal(t, scene.WarningTooLong, out.Warnings[0].Kind)
	p.AssertExpectations(t)
}

func TestRunStep_ResumesFromBatch(t *testing.T) {
	existing := sceneText(1, 20) + sceneText(2, 20) + sceneText(3, 20)
	p := &mockProvider{}
	p.On("Generate", mock.Anything, asking("Write scenes 4 of 4")).
		Return(reply(sceneText(4, 20)), nil).Once()

	var indices []int
	o := newOrchestrator(t, p)
	out, err := o.RunStep(context.Background(), StepRequest{
		Total: 4, Window: window, Profile: scene.English, StartBatch: 1, Existing: existing,
	}, func(batchIndex int, _ string, _ *Result) error {
		indices = append(indices, batchIndex)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, indices)
	assert.Equal(t, 1, out.Batches)
	assert.Equal(t, []int{1, 2, 3, 4}, scene.Present(out.Text, scene.English))
	p.AssertExpectations(t)
}

func TestRunStep_DoneErrorStops(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).
		Return(reply(sceneText(1, 20), sceneText(2, 20), sceneText(3, 20)), nil).Once()

	stop := errors.New("checkpoint failed")
	o := newOrchestrator(t, p)
	_, err := o.RunStep(context.Background(), StepRequest{Total: 6, Window: window, Profile: scene.English},
		func(int, string, *Result) error { return stop })
	assert.ErrorIs(t, err, stop)
	p.AssertExpectations(t)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "...cde", tail("abcde", 3))
	assert.Equal(t, "", tail("abc", 0))
}
