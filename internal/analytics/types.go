package analytics

import (
	"sort"
	"time"
)

type Action string

const (
	ActionSent      Action = "sent"
	ActionDelivered Action = "delivered"
	ActionOpened    Action = "opened"
	ActionActed     Action = "acted"
	ActionDismissed Action = "dismissed"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSent, ActionDelivered, ActionOpened, ActionActed, ActionDismissed:
		return true
	}
	return false
}

// Event is one interaction with one notification. Never mutated once appended.
type Event struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Category       string    `json:"category"`
	Action         Action    `json:"action"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty"`
}

// Metrics are counters over a user's event log plus the derived engagement score.
type Metrics struct {
	Sent            int     `json:"sent"`
	Delivered       int     `json:"delivered"`
	Opened          int     `json:"opened"`
	Acted           int     `json:"acted"`
	Dismissed       int     `json:"dismissed"`
	EngagementScore float64 `json:"engagement_score"`
}

// HourSet is a set of hours of day (0..23).
type HourSet [24]bool

func (h HourSet) Has(hour int) bool { return hour >= 0 && hour < 24 && h[hour] }

func (h HourSet) Empty() bool {
	for _, v := range h {
		if v {
			return false
		}
	}
	return true
}

// Hours lists the members in ascending order.
func (h HourSet) Hours() []int {
	out := []int{}
	for i, v := range h {
		if v {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}
