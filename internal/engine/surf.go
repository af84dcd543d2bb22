package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
)

var homeTabChain = []uiauto.Selector{
	uiauto.ByAccessibilityID("Home"),
	uiauto.ByDescContains("홈"),
}

var feedVideoChain = []uiauto.Selector{
	uiauto.ByID("thumbnail"),
	uiauto.ByClass("android.view.ViewGroup"),
}

// RandomSurf lands on the home tab, scrolls a random 0..5 times with
// 0.8-1.5s jitter, then taps the first feed video. If nothing is visible it
// scrolls once more and retries before giving up.
func (n *Navigator) RandomSurf(ctx context.Context, rng *rand.Rand) (NavOutcome, error) {
	if home, err := n.drv.Find(ctx, homeTabChain, TimeoutElementShort); err != nil {
		return NavNotFound, err
	} else if home != nil {
		if err := home.Click(ctx); err != nil {
			return NavNotFound, err
		}
	}
	scrolls := rng.Intn(6)
	for i := 0; i < scrolls; i++ {
		if err := n.drv.ScrollDown(ctx); err != nil {
			return NavNotFound, err
		}
		jitter := 800 + rng.Intn(700)
		if err := n.sleep(ctx, time.Duration(jitter)*time.Millisecond); err != nil {
			return NavNotFound, err
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		el, err := n.drv.Find(ctx, feedVideoChain, TimeoutElementDefault)
		if err != nil {
			return NavNotFound, err
		}
		if el != nil {
			if err := el.Click(ctx); err != nil {
				return NavNotFound, err
			}
			return NavFound, nil
		}
		if err := n.drv.ScrollDown(ctx); err != nil {
			return NavNotFound, err
		}
	}
	return NavNotFound, nil
}
