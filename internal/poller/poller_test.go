package poller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andywolf/swarmd/internal/ghclient"
	"github.com/andywolf/swarmd/internal/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	issues      []ghclient.Issue
	listErr     error
	openPRs     map[string]int // branch -> pr number
	findErr     error
}

func (f *fakeSource) ListLabeledIssues(ctx context.Context, label string) ([]ghclient.Issue, error) {
	return f.issues, f.listErr
}

func (f *fakeSource) FindOpenPRByBranch(ctx context.Context, branch string) (int, error) {
	if f.findErr != nil {
		return 0, f.findErr
	}
	return f.openPRs[branch], nil
}

type fakeWorkItemStore struct {
	upserted []int
	seeded   map[int]int
}

func newFakeWorkItemStore() *fakeWorkItemStore {
	return &fakeWorkItemStore{seeded: make(map[int]int)}
}

func (f *fakeWorkItemStore) UpsertWorkItem(number int, title, body string) error {
	f.upserted = append(f.upserted, number)
	return nil
}

func (f *fakeWorkItemStore) SeedExistingPR(number int, title, body string, prNumber int) error {
	f.seeded[number] = prNumber
	return nil
}

func TestPollOnce_SkipsIssuesWithoutTriggerMention(t *testing.T) {
	src := &fakeSource{issues: []ghclient.Issue{
		{Number: 1, Comments: []string{"just chatting"}},
	}, openPRs: map[string]int{}}
	st := newFakeWorkItemStore()
	p := New(src, st, logx.New("test"), "agent", "@swarmd", time.Second, time.Minute)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Empty(t, st.upserted)
}

func TestPollOnce_UpsertsWhenNoExistingPR(t *testing.T) {
	src := &fakeSource{issues: []ghclient.Issue{
		{Number: 2, Comments: []string{"@swarmd go"}},
	}, openPRs: map[string]int{}}
	st := newFakeWorkItemStore()
	p := New(src, st, logx.New("test"), "agent", "@swarmd", time.Second, time.Minute)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, []int{2}, st.upserted)
	assert.Empty(t, st.seeded)
}

func TestPollOnce_SeedsExistingPR(t *testing.T) {
	src := &fakeSource{issues: []ghclient.Issue{
		{Number: 3, Comments: []string{"@swarmd go"}},
	}, openPRs: map[string]int{"fix/issue-3": 42}}
	st := newFakeWorkItemStore()
	p := New(src, st, logx.New("test"), "agent", "@swarmd", time.Second, time.Minute)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Empty(t, st.upserted)
	assert.Equal(t, 42, st.seeded[3])
}

func TestPollOnce_EmptyTriggerMentionAlwaysEnqueues(t *testing.T) {
	src := &fakeSource{issues: []ghclient.Issue{{Number: 4}}, openPRs: map[string]int{}}
	st := newFakeWorkItemStore()
	p := New(src, st, logx.New("test"), "agent", "", time.Second, time.Minute)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, []int{4}, st.upserted)
}

func TestPollOnce_ListErrorPropagates(t *testing.T) {
	src := &fakeSource{listErr: fmt.Errorf("boom")}
	st := newFakeWorkItemStore()
	p := New(src, st, logx.New("test"), "agent", "", time.Second, time.Minute)

	assert.Error(t, p.PollOnce(context.Background()))
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	src := &fakeSource{openPRs: map[string]int{}}
	st := newFakeWorkItemStore()
	p := New(src, st, logx.New("test"), "agent", "", time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, time.Millisecond)
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
