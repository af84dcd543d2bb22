package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/pkg/textx"
)

var searchEntryChain = []uiauto.Selector{
	uiauto.ByID("menu_item_1"),
	uiauto.ByAccessibilityID("Search"),
	uiauto.ByDescContains("검색"),
	uiauto.ByXPath(`//android.widget.ImageView[@content-desc="Search"]`),
}

var searchInputChain = []uiauto.Selector{
	uiauto.ByID("search_edit_text"),
	uiauto.ByClass("android.widget.EditText"),
}

var firstResultChain = []uiauto.Selector{
	uiauto.ByID("thumbnail"),
	uiauto.ByXPath(`(//android.view.ViewGroup[@resource-id="com.google.android.youtube:id/results"]//android.view.ViewGroup)[1]`),
}

// Navigator runs the navigation phase of a job.
type Navigator struct {
	drv   Driver
	sleep SleepFunc
}

// NewNavigator builds a navigator; sleep may be nil for the real clock.
func NewNavigator(drv Driver, sleep SleepFunc) *Navigator {
	if sleep == nil {
		sleep = realSleep
	}
	return &Navigator{drv: drv, sleep: sleep}
}

// OpenByURL deep-links the target and verifies the app came to foreground.
// Failure is reported as an outcome, never raised.
func (n *Navigator) OpenByURL(ctx context.Context, url string) (NavOutcome, error) {
	if err := n.drv.OpenURL(ctx, url, uiauto.YouTubePackage); err != nil {
		slog.Warn("deep link failed", slog.String("url", url), slog.Any("error", err))
		return NavNotFound, nil
	}
	if err := n.sleep(ctx, 2*time.Second); err != nil {
		return NavNotFound, err
	}
	pkg, err := n.drv.CurrentPackage(ctx)
	if err != nil {
		return NavNotFound, err
	}
	if pkg != uiauto.YouTubePackage {
		return NavWrongApp, nil
	}
	return NavFound, nil
}

// SearchAndSelect taps the search entry, types the keyword, presses Enter,
// then scrolls up to MaxScrollAttempts times looking for a match. When
// videoTitle is given the match is by text-contains on the title; otherwise
// the first result is tapped.
func (n *Navigator) SearchAndSelect(ctx context.Context, keyword, videoTitle string) (NavOutcome, error) {
	entry, err := n.drv.Find(ctx, searchEntryChain, TimeoutElementDefault)
	if err != nil {
		return NavNotFound, err
	}
	if entry == nil {
		return NavNotFound, nil
	}
	if err := entry.Click(ctx); err != nil {
		return NavNotFound, fmt.Errorf("op=search.entry: %w", err)
	}
	input, err := n.drv.Find(ctx, searchInputChain, TimeoutElementDefault)
	if err != nil {
		return NavNotFound, err
	}
	if input == nil {
		return NavNotFound, nil
	}
	if err := input.SendKeys(ctx, textx.SanitizeText(keyword)); err != nil {
		return NavNotFound, fmt.Errorf("op=search.type: %w", err)
	}
	if err := n.drv.PressKeyCode(ctx, uiauto.KeyEnter); err != nil {
		return NavNotFound, fmt.Errorf("op=search.enter: %w", err)
	}

	match := firstResultChain
	if videoTitle != "" {
		match = []uiauto.Selector{uiauto.ByTextContains(videoTitle)}
	}
	for attempt := 0; attempt < MaxScrollAttempts; attempt++ {
		el, err := n.drv.Find(ctx, match, TimeoutElementShort)
		if err != nil {
			return NavNotFound, err
		}
		if el != nil {
			if err := el.Click(ctx); err != nil {
				return NavNotFound, fmt.Errorf("op=search.select: %w", err)
			}
			return NavFound, nil
		}
		if err := n.drv.ScrollDown(ctx); err != nil {
			return NavNotFound, err
		}
		if err := n.sleep(ctx, scrollPause); err != nil {
			return NavNotFound, err
		}
	}
	return NavNotFound, nil
}
