package analytics

import (
	"fmt"
	"sort"
	"time"

	"reactbot/internal/domain"
)

// Granularity is the bucket size of a summary.
type Granularity string

const (
	Second Granularity = "second"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// ParseGranularity accepts second, hour or day.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Second, Hour, Day:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q (want second, hour or day)", s)
	}
}

// BucketKey formats t in UTC at granularity g.
func BucketKey(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case Second:
		return t.Format("2006-01-02T15:04:05")
	case Day:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01-02T15")
	}
}

// Summary is the derived view of one time bucket.
type Summary struct {
	Bucket      string           `json:"bucket"`
	Sent        int64            `json:"sent"`
	Throttled   int64            `json:"throttled"`
	Failed      int64            `json:"failed"`
	Skipped     int64            `json:"skipped"`
	Total       int64            `json:"total"`
	SuccessRate float64          `json:"successRate"`
	ActiveChats int              `json:"activeChats"`
	Emojis      map[string]int64 `json:"emojis,omitempty"`
}

// Summarize groups outcomes into buckets. It depends only on its input, so
// deriving twice from the same log yields identical results.
func Summarize(outcomes []domain.Outcome, g Granularity) []Summary {
	byKey := make(map[string]*Summary)
	chats := make(map[string]map[domain.ScopeID]struct{})

	for _, o := range outcomes {
		key := BucketKey(o.RecordedAt, g)
		s, ok := byKey[key]
		if !ok {
			s = &Summary{Bucket: key, Emojis: make(map[string]int64)}
			byKey[key] = s
			chats[key] = make(map[domain.ScopeID]struct{})
		}
		s.Total++
		switch o.Status {
		case domain.StatusSent:
			s.Sent++
			s.Emojis[o.Emoji]++
			chats[key][o.Scope] = struct{}{}
		case domain.StatusThrottled:
			s.Throttled++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusSkipped:
			s.Skipped++
		}
	}

	out := make([]Summary, 0, len(byKey))
	for key, s := range byKey {
		s.ActiveChats = len(chats[key])
		if s.Total > 0 {
			s.SuccessRate = float64(s.Sent) / float64(s.Total)
		}
		if len(s.Emojis) == 0 {
			s.Emojis = nil
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
