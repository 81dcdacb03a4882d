package prmonitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/andywolf/swarmd/internal/ghclient"
	"github.com/andywolf/swarmd/internal/logx"
	"github.com/andywolf/swarmd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	unresolved map[int]int
	threads    map[int][]ghclient.ThreadDetail
	failing    map[int][]string
	ci         map[int]ghclient.CIBucket
	merged     map[int]bool
	labeled    []int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		unresolved: map[int]int{},
		threads:    map[int][]ghclient.ThreadDetail{},
		failing:    map[int][]string{},
		ci:         map[int]ghclient.CIBucket{},
		merged:     map[int]bool{},
	}
}

func (f *fakeSource) UnresolvedReviewThreads(ctx context.Context, prNumber int) (int, bool, error) {
	return f.unresolved[prNumber], false, nil
}
func (f *fakeSource) UnresolvedReviewThreadDetails(ctx context.Context, prNumber int) ([]ghclient.ThreadDetail, error) {
	return f.threads[prNumber], nil
}
func (f *fakeSource) FailingCheckNames(ctx context.Context, prNumber int) ([]string, error) {
	return f.failing[prNumber], nil
}
func (f *fakeSource) CIStatus(ctx context.Context, prNumber int) (ghclient.CIBucket, error) {
	if b, ok := f.ci[prNumber]; ok {
		return b, nil
	}
	return ghclient.CIPassed, nil
}
func (f *fakeSource) MergeState(ctx context.Context, prNumber int) (bool, error) {
	return f.merged[prNumber], nil
}
func (f *fakeSource) AddLabel(ctx context.Context, n int, label string) error {
	f.labeled = append(f.labeled, n)
	return nil
}

type fakeStore struct {
	items          []store.WorkItem
	resolved       []int
	needsHuman     []int
	iterations     map[int][]store.ReviewIteration
	openIteration  map[int]bool
	maxRetries     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{iterations: map[int][]store.ReviewIteration{}, openIteration: map[int]bool{}}
}

func (f *fakeStore) ListWorkItemsByStatus(status string) ([]store.WorkItem, error) { return f.items, nil }
func (f *fakeStore) RecordResolved(n int) error                                    { f.resolved = append(f.resolved, n); return nil }
func (f *fakeStore) RecordNeedsHuman(n int) error                                  { f.needsHuman = append(f.needsHuman, n); return nil }
func (f *fakeStore) HasOpenIteration(pr int) (bool, error)                         { return f.openIteration[pr], nil }
func (f *fakeStore) CountIterationsForPR(pr int) (int, error)                      { return len(f.iterations[pr]), nil }

func (f *fakeStore) LatestReviewIteration(pr int) (*store.ReviewIteration, error) {
	rows := f.iterations[pr]
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1]
	return &last, nil
}

func (f *fakeStore) NextIteration(pr int) (int, error) {
	return len(f.iterations[pr]) + 1, nil
}

func (f *fakeStore) CreateReviewIteration(pr, iteration, commentsCount int, commentsJSON string) (*store.ReviewIteration, error) {
	ri := store.ReviewIteration{PRNumber: pr, Iteration: iteration, CommentsCount: commentsCount, CommentsJSON: &commentsJSON, Status: store.IterationPending}
	f.iterations[pr] = append(f.iterations[pr], ri)
	return &ri, nil
}

func TestCheckAll_ResolvesMergedPR(t *testing.T) {
	src := newFakeSource()
	src.merged[10] = true
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	assert.Equal(t, []int{1}, st.resolved)
}

func TestCheckAll_CleanPRDoesNothing(t *testing.T) {
	src := newFakeSource()
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	assert.Empty(t, st.resolved)
	assert.Empty(t, st.iterations[10])
}

func TestCheckAll_CreatesIterationOnUnresolvedThreads(t *testing.T) {
	src := newFakeSource()
	src.unresolved[10] = 2
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	require.Len(t, st.iterations[10], 1)
	assert.Equal(t, 2, st.iterations[10][0].CommentsCount)
}

func TestCheckAll_PersistsThreadDetailsAndFailingChecksInSnapshot(t *testing.T) {
	src := newFakeSource()
	src.unresolved[10] = 1
	src.threads[10] = []ghclient.ThreadDetail{{File: "a.go", Line: 5, Author: "alice", Body: "fix this"}}
	src.ci[10] = ghclient.CIFailed
	src.failing[10] = []string{"lint"}
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	require.Len(t, st.iterations[10], 1)

	var snap ReviewSnapshot
	require.NoError(t, json.Unmarshal([]byte(*st.iterations[10][0].CommentsJSON), &snap))
	assert.Equal(t, []ghclient.ThreadDetail{{File: "a.go", Line: 5, Author: "alice", Body: "fix this"}}, snap.Threads)
	assert.Equal(t, []string{"lint"}, snap.CIFailures)
}

func TestCheckAll_SkipsWhenIterationAlreadyOpen(t *testing.T) {
	src := newFakeSource()
	src.unresolved[10] = 2
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}
	st.openIteration[10] = true

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	assert.Empty(t, st.iterations[10])
}

func TestCheckAll_SkipsWhenDeltaUnchanged(t *testing.T) {
	src := newFakeSource()
	src.unresolved[10] = 2
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}
	blob := `{"unresolved_threads":2,"ci_status":"passed"}`
	st.iterations[10] = []store.ReviewIteration{{PRNumber: 10, Iteration: 1, CommentsCount: 2, CommentsJSON: &blob}}

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	assert.Len(t, st.iterations[10], 1) // unchanged, no new iteration appended
}

func TestCheckAll_EscalatesAtCeiling(t *testing.T) {
	src := newFakeSource()
	src.unresolved[10] = 2
	st := newFakeStore()
	st.items = []store.WorkItem{{Number: 1, PRNumber: intPtr(10)}}
	for i := 1; i <= 5; i++ {
		blob := `{"unresolved_threads":0,"ci_status":"passed"}`
		st.iterations[10] = append(st.iterations[10], store.ReviewIteration{PRNumber: 10, Iteration: i, CommentsCount: 0, CommentsJSON: &blob})
	}

	m := New(src, st, logx.New("test"), 5, "needs-human")
	require.NoError(t, m.CheckAll(context.Background()))
	assert.Equal(t, []int{1}, st.needsHuman)
	assert.Equal(t, []int{10}, src.labeled)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	src := newFakeSource()
	st := newFakeStore()
	m := New(src, st, logx.New("test"), 5, "needs-human")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func intPtr(n int) *int { return &n }
