package uiauto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, f *fakeServer) *Session {
	t.Helper()
	c := NewClient(f.srv.URL)
	sess, err := c.NewSession(context.Background(), DefaultCapabilities("serial-1", 8200))
	require.NoError(t, err)
	return sess
}

func TestByID_PrefixesBareIDs(t *testing.T) {
	assert.Equal(t, YouTubePackage+":id/like_button", ByID("like_button").Value)
	assert.Equal(t, "other.pkg:id/x", ByID("other.pkg:id/x").Value)
}

func TestFindWithFallback_FirstStrategyWins(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	f.addElement(YouTubePackage+":id/present", 0)
	sess := newTestSession(t, f)

	el, err := sess.FindWithFallback(context.Background(), []Selector{ByID("present"), ByID("other")}, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, el)
	// The second strategy was never probed.
	assert.Equal(t, 0, f.finds[YouTubePackage+":id/other"])
}

func TestFindWithFallback_FallsThroughToSecond(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	f.addElement(YouTubePackage+":id/late", 0)
	sess := newTestSession(t, f)

	start := time.Now()
	el, err := sess.FindWithFallback(context.Background(), []Selector{ByID("missing"), ByID("late")}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, el)
	// The first strategy consumed its full budget before falling through.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, f.finds[YouTubePackage+":id/missing"], 2)
}

func TestFindWithFallback_AbsenceIsAValue(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	sess := newTestSession(t, f)

	el, err := sess.FindWithFallback(context.Background(), []Selector{ByID("nope"), ByAccessibilityID("also-nope")}, 700*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, el)
}

func TestExists(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	f.addElement(YouTubePackage+":id/badge", 0)
	sess := newTestSession(t, f)

	ok, err := sess.Exists(context.Background(), []Selector{ByID("badge")}, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sess.Exists(context.Background(), []Selector{ByID("ghost")}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitGone(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	sess := newTestSession(t, f)

	gone, err := sess.WaitGone(context.Background(), []Selector{ByID("ghost")}, time.Second)
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestSelectorConstructors(t *testing.T) {
	assert.Equal(t, "accessibility id", ByAccessibilityID("Search").Using)
	assert.Contains(t, ByText("Subscribe").Value, `text("Subscribe")`)
	assert.Contains(t, ByTextContains("Skip").Value, `textContains("Skip")`)
	assert.Contains(t, ByDescContains("Ad").Value, `descriptionContains("Ad")`)
	assert.Equal(t, "class name", ByClass("android.widget.EditText").Using)
	assert.Equal(t, "xpath", ByXPath("//x").Using)
}
