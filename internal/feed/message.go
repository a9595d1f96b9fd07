// Package feed fetches a channel's public message feed and extracts message
// records from its markup.
package feed

import (
	"strconv"
	"strings"
	"time"
)

// Message is one record extracted from a feed page. Only ID is ever persisted.
type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Channel    string    `json:"channel"`
	ObservedAt time.Time `json:"observed_at"`
}

// Sequence returns the numeric suffix of a "<handle>/<seq>" post id.
func Sequence(id string) (int64, bool) {
	i := strings.LastIndexByte(id, '/')
	if i < 0 || i == len(id)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IDs returns the ids of msgs in order.
func IDs(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
