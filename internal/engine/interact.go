package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/pkg/textx"
)

var likeButtonChain = []uiauto.Selector{
	uiauto.ByID("like_button"),
	uiauto.ByDescContains("like this video"),
	uiauto.ByDescContains("좋아요"),
}

var subscribeButtonChain = []uiauto.Selector{
	uiauto.ByID("subscribe_button"),
	uiauto.ByTextContains("Subscribe"),
	uiauto.ByTextContains("구독"),
}

var playlistButtonChain = []uiauto.Selector{
	uiauto.ByID("save_to_playlist_button"),
	uiauto.ByDescContains("Save to playlist"),
	uiauto.ByDescContains("재생목록에 저장"),
}

var commentsEntryChain = []uiauto.Selector{
	uiauto.ByID("comments_entry_point_header"),
	uiauto.ByTextContains("Comments"),
	uiauto.ByTextContains("댓글"),
}

var commentInputChain = []uiauto.Selector{
	uiauto.ByID("comment_simplebox_text"),
	uiauto.ByClass("android.widget.EditText"),
}

var commentSendChain = []uiauto.Selector{
	uiauto.ByID("comment_send_button"),
	uiauto.ByDescContains("Comment"),
}

// InteractionResult records which probabilistic interactions fired.
type InteractionResult struct {
	DidLike      bool `json:"did_like"`
	DidSubscribe bool `json:"did_subscribe"`
	DidPlaylist  bool `json:"did_playlist"`
	DidComment   bool `json:"did_comment"`
}

// Interactor performs the post-watch interactions in the fixed order
// {like, subscribe, playlist, comment}, each guarded by an independent
// Bernoulli draw.
type Interactor struct {
	drv   Driver
	rng   *rand.Rand
	sleep SleepFunc
}

// NewInteractor builds an interactor; sleep may be nil for the real clock.
func NewInteractor(drv Driver, rng *rand.Rand, sleep SleepFunc) *Interactor {
	if sleep == nil {
		sleep = realSleep
	}
	return &Interactor{drv: drv, rng: rng, sleep: sleep}
}

// Params are interaction probabilities in percent.
type InteractParams struct {
	ProbLike      int
	ProbSubscribe int
	ProbPlaylist  int
	ProbComment   int
	CommentText   string
}

// Run executes all four interactions. Individual failures are logged and
// skipped; only driver-level errors propagate.
func (it *Interactor) Run(ctx context.Context, p InteractParams) (InteractionResult, error) {
	var res InteractionResult
	var err error
	if it.draw(p.ProbLike) {
		if res.DidLike, err = it.tapUnlessDone(ctx, likeButtonChain, alreadyLikedMarkers); err != nil {
			return res, err
		}
	}
	if it.draw(p.ProbSubscribe) {
		if res.DidSubscribe, err = it.tapUnlessDone(ctx, subscribeButtonChain, alreadySubscribedMarkers); err != nil {
			return res, err
		}
	}
	if it.draw(p.ProbPlaylist) {
		if res.DidPlaylist, err = it.tapUnlessDone(ctx, playlistButtonChain, nil); err != nil {
			return res, err
		}
	}
	if it.draw(p.ProbComment) {
		if res.DidComment, err = it.comment(ctx, p.CommentText); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (it *Interactor) draw(probPct int) bool {
	if probPct <= 0 {
		return false
	}
	if probPct >= 100 {
		return true
	}
	return it.rng.Intn(100) < probPct
}

// tapUnlessDone locates the element and taps it, unless its state already
// reads done ("liked"/"Subscribed" markers in content-desc or text). Either
// way the interaction counts as done when the element was found.
func (it *Interactor) tapUnlessDone(ctx context.Context, chain []uiauto.Selector, doneMarkers []string) (bool, error) {
	el, err := it.drv.Find(ctx, chain, TimeoutElementDefault)
	if err != nil {
		return false, err
	}
	if el == nil {
		return false, nil
	}
	if len(doneMarkers) > 0 {
		state, _ := el.Attribute(ctx, "content-desc")
		if state == "" {
			state, _ = el.Text(ctx)
		}
		for _, marker := range doneMarkers {
			if strings.Contains(strings.ToLower(state), strings.ToLower(marker)) {
				return true, nil
			}
		}
	}
	if err := el.Click(ctx); err != nil {
		slog.Warn("interaction tap failed", slog.Any("error", err))
		return false, nil
	}
	return true, nil
}

// comment scrolls to the comments, types the text (random template when
// empty), and sends. Any failure presses back to restore the player.
func (it *Interactor) comment(ctx context.Context, text string) (bool, error) {
	if text == "" {
		text = commentTemplates[it.rng.Intn(len(commentTemplates))]
	}
	ok, err := it.tryComment(ctx, textx.SanitizeText(text))
	if err != nil {
		return false, err
	}
	if !ok {
		// restore the player
		if err := it.drv.PressKeyCode(ctx, uiauto.KeyBack); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (it *Interactor) tryComment(ctx context.Context, text string) (bool, error) {
	if err := it.drv.ScrollDownSmall(ctx); err != nil {
		return false, err
	}
	entry, err := it.drv.Find(ctx, commentsEntryChain, TimeoutElementDefault)
	if err != nil || entry == nil {
		return false, err
	}
	if err := entry.Click(ctx); err != nil {
		return false, nil
	}
	if err := it.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	input, err := it.drv.Find(ctx, commentInputChain, TimeoutElementDefault)
	if err != nil || input == nil {
		return false, err
	}
	if err := input.Click(ctx); err != nil {
		return false, nil
	}
	if err := input.SendKeys(ctx, text); err != nil {
		return false, nil
	}
	send, err := it.drv.Find(ctx, commentSendChain, TimeoutElementShort)
	if err != nil || send == nil {
		return false, err
	}
	if err := send.Click(ctx); err != nil {
		return false, nil
	}
	return true, nil
}
