package sim

import (
	"time"

	"github.com/google/uuid"

	"wallstreetsim/pkg/types"
)

// NewsInjector produces exogenous news for a tick. Articles it returns are
// persisted, published on the news channels, and included in the tick's
// event record. A nil injector means no exogenous news.
type NewsInjector interface {
	Inject(tick int64, companies []*types.Company) []*types.NewsArticle
}

// HeadlineInjector emits one canned market headline every interval ticks.
// It stands in when no generative news source is configured.
type HeadlineInjector struct {
	Interval  int64
	Headlines []string
	next      int
}

// NewHeadlineInjector creates an injector with a default rotation.
func NewHeadlineInjector(interval int64) *HeadlineInjector {
	return &HeadlineInjector{
		Interval: interval,
		Headlines: []string{
			"Fed officials signal rates will hold steady",
			"Earnings season opens with mixed guidance",
			"Analysts split on sector rotation into industrials",
			"Retail volume climbs for the third straight session",
		},
	}
}

func (h *HeadlineInjector) Inject(tick int64, companies []*types.Company) []*types.NewsArticle {
	if h.Interval <= 0 || tick%h.Interval != 0 || len(h.Headlines) == 0 {
		return nil
	}
	headline := h.Headlines[h.next%len(h.Headlines)]
	h.next++

	return []*types.NewsArticle{{
		ID:        uuid.NewString(),
		Tick:      tick,
		Headline:  headline,
		Content:   headline,
		Category:  types.NewsMarket,
		CreatedAt: time.Now(),
	}}
}
