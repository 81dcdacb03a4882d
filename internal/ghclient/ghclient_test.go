package ghclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsMalformedRepo(t *testing.T) {
	_, err := New("not-a-repo", "tok")
	assert.Error(t, err)
}

func TestNew_SplitsOwnerAndRepo(t *testing.T) {
	c, err := New("andywolf/swarmd", "tok")
	require.NoError(t, err)
	assert.Equal(t, "andywolf", c.owner)
	assert.Equal(t, "swarmd", c.repo)
}

func TestHasTriggerMention_EmptyMentionAlwaysTrue(t *testing.T) {
	assert.True(t, HasTriggerMention(Issue{Comments: []string{"nothing relevant"}}, ""))
}

func TestHasTriggerMention_MatchesSubstring(t *testing.T) {
	iss := Issue{Comments: []string{"please go ahead", "@swarmd implement this"}}
	assert.True(t, HasTriggerMention(iss, "@swarmd"))
}

func TestHasTriggerMention_NoMatch(t *testing.T) {
	iss := Issue{Comments: []string{"just chatting"}}
	assert.False(t, HasTriggerMention(iss, "@swarmd"))
}

func TestParseReviewThreadsResponse_CountsOnlyUnresolved(t *testing.T) {
	body := `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[
		{"isResolved":true},{"isResolved":false},{"isResolved":false}
	]}}}}}`
	n, err := parseReviewThreadsResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestParseReviewThreadsResponse_NoThreads(t *testing.T) {
	body := `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[]}}}}}`
	n, err := parseReviewThreadsResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestParseReviewThreadsResponse_MalformedErrors(t *testing.T) {
	_, err := parseReviewThreadsResponse([]byte("not json"))
	assert.Error(t, err)
}

func TestParseCIChecks_AnyPendingWins(t *testing.T) {
	body := `[{"state":"SUCCESS"},{"state":"PENDING"},{"state":"FAILURE"}]`
	bucket, err := parseCIChecks([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, CIPending, bucket)
}

func TestParseCIChecks_FailureWithNoPending(t *testing.T) {
	body := `[{"state":"SUCCESS"},{"state":"FAILURE"}]`
	bucket, err := parseCIChecks([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, CIFailed, bucket)
}

func TestParseCIChecks_AllPassed(t *testing.T) {
	body := `[{"state":"SUCCESS"},{"state":"SUCCESS"}]`
	bucket, err := parseCIChecks([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, CIPassed, bucket)
}

func TestParseCIChecks_NoChecksIsPending(t *testing.T) {
	bucket, err := parseCIChecks([]byte(`[]`))
	require.NoError(t, err)
	assert.Equal(t, CIPending, bucket)
}

func TestParseCIChecks_MalformedErrors(t *testing.T) {
	_, err := parseCIChecks([]byte("garbage"))
	assert.Error(t, err)
}

func TestParseReviewThreadDetails_SkipsResolvedAndTakesFirstComment(t *testing.T) {
	body := `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[
		{"isResolved":true,"path":"a.go","line":1,"comments":{"nodes":[{"body":"old","author":{"login":"bob"}}]}},
		{"isResolved":false,"path":"b.go","line":42,"comments":{"nodes":[{"body":"please fix","author":{"login":"alice"}},{"body":"second reply","author":{"login":"alice"}}]}}
	]}}}}}`
	details, err := parseReviewThreadDetails([]byte(body))
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, ThreadDetail{File: "b.go", Line: 42, Author: "alice", Body: "please fix"}, details[0])
}

func TestParseReviewThreadDetails_NoThreads(t *testing.T) {
	body := `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[]}}}}}`
	details, err := parseReviewThreadDetails([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestParseFailingCheckNames_OnlyFailingStates(t *testing.T) {
	body := `[{"name":"build","state":"SUCCESS"},{"name":"lint","state":"FAILURE"},{"name":"e2e","state":"PENDING"}]`
	names, err := parseFailingCheckNames([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"lint"}, names)
}
