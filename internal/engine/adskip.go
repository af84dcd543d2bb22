package engine

import (
	"context"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
)

var adIndicatorChain = []uiauto.Selector{
	uiauto.ByID("ad_progress_text"),
	uiauto.ByID("ad_badge"),
	uiauto.ByTextContains("광고"),
	uiauto.ByDescContains("Ad"),
}

var skipButtonChain = []uiauto.Selector{
	uiauto.ByID("skip_ad_button"),
	uiauto.ByTextContains("Skip ad"),
	uiauto.ByTextContains("건너뛰기"),
	uiauto.ByDescContains("Skip"),
}

// AdSkipper polls for ads inline from the watch loop. No background
// goroutine: the loop calls TrySkip once per tick.
type AdSkipper struct {
	drv      Driver
	Detected int
	Skipped  int
}

// NewAdSkipper builds a skipper over the driver.
func NewAdSkipper(drv Driver) *AdSkipper { return &AdSkipper{drv: drv} }

// TrySkip checks the ad-indicator chain; when an ad shows, it attempts the
// skip-button chain. Returns whether an ad was present. Element absence is
// not an error.
func (a *AdSkipper) TrySkip(ctx context.Context) (bool, error) {
	present, err := a.drv.Exists(ctx, adIndicatorChain, TimeoutAdCheck)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	a.Detected++
	btn, err := a.drv.Find(ctx, skipButtonChain, TimeoutAdCheck)
	if err != nil {
		return true, err
	}
	if btn == nil {
		return true, nil
	}
	if err := btn.Click(ctx); err != nil {
		return true, nil
	}
	a.Skipped++
	return true, nil
}
