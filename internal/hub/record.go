package hub

import (
	"maps"
	"slices"
	"time"

	"github.com/amoylab/wshub/pkg/protocol"
)

// ConnectionRecord is the registry's view of one live connection
type ConnectionRecord struct {
	ID            protocol.ConnectionID `json:"id"`
	ConnectedAt   time.Time             `json:"connected_at"`
	LastPing      *time.Time            `json:"last_ping,omitempty"`
	Subscriptions []string              `json:"subscriptions"`
	Metadata      map[string]string     `json:"metadata"`
}

func newRecord(id protocol.ConnectionID, now time.Time, metadata map[string]string) *ConnectionRecord {
	md := make(map[string]string, len(metadata))
	maps.Copy(md, metadata)
	return &ConnectionRecord{
		ID:            id,
		ConnectedAt:   now,
		Subscriptions: []string{},
		Metadata:      md,
	}
}

// LastActivity is the last ping time, or the connect time when no ping was seen
func (r *ConnectionRecord) LastActivity() time.Time {
	if r.LastPing != nil {
		return *r.LastPing
	}
	return r.ConnectedAt
}

// Subscribe appends the topics not already present, preserving order.
// It returns how many were added.
func (r *ConnectionRecord) Subscribe(topics ...string) int {
	added := 0
	for _, t := range topics {
		if slices.Contains(r.Subscriptions, t) {
			continue
		}
		r.Subscriptions = append(r.Subscriptions, t)
		added++
	}
	return added
}

// Unsubscribe removes the given topics and returns how many were removed
func (r *ConnectionRecord) Unsubscribe(topics ...string) int {
	before := len(r.Subscriptions)
	r.Subscriptions = slices.DeleteFunc(r.Subscriptions, func(s string) bool {
		return slices.Contains(topics, s)
	})
	return before - len(r.Subscriptions)
}

// Matches reports whether a message published on topic is for this connection
func (r *ConnectionRecord) Matches(topic protocol.Topic) bool {
	return topic.MatchesSubscriptions(r.ID, r.Subscriptions)
}

func (r *ConnectionRecord) touch(now time.Time) {
	r.LastPing = &now
}

func (r *ConnectionRecord) clone() ConnectionRecord {
	c := *r
	if r.LastPing != nil {
		t := *r.LastPing
		c.LastPing = &t
	}
	c.Subscriptions = slices.Clone(r.Subscriptions)
	c.Metadata = maps.Clone(r.Metadata)
	return c
}
