package monitor

import (
	"time"

	"tgrelay/internal/relay"
)

const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ChannelResult is the outcome of one channel within a run.
type ChannelResult struct {
	Channel           string          `json:"channel"`
	ChannelID         string          `json:"channelId"`
	Success           bool            `json:"success"`
	Seeded            bool            `json:"seeded,omitempty"`
	Page              string          `json:"page,omitempty"`
	TotalMessages     int             `json:"totalMessages"`
	NewMessages       int             `json:"newMessages"`
	ForwardedMessages int             `json:"forwardedMessages"`
	DeliveryFailures  []relay.Failure `json:"deliveryFailures,omitempty"`
	Error             *string         `json:"error"`
	DurationMS        int64           `json:"durationMs"`
}

// Summary aggregates the channel results of a run.
type Summary struct {
	TotalChannels          int `json:"totalChannels"`
	SuccessCount           int `json:"successCount"`
	FailureCount           int `json:"failureCount"`
	TotalNewMessages       int `json:"totalNewMessages"`
	TotalForwardedMessages int `json:"totalForwardedMessages"`
}

// Report is the document returned to whoever triggered a run.
type Report struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Summary   Summary         `json:"summary"`
	Details   []ChannelResult `json:"details"`
	Message   string          `json:"message"`
}

// ErrorReport is returned when a run cannot start or faults as a whole.
type ErrorReport struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error"`
	StatusCode int       `json:"statusCode"`
}

func NewErrorReport(code int, msg string, at time.Time) ErrorReport {
	return ErrorReport{Status: StatusError, Timestamp: at.UTC(), Error: msg, StatusCode: code}
}

// Summarize aggregates results.
func Summarize(results []ChannelResult) Summary {
	s := Summary{TotalChannels: len(results)}
	for _, r := range results {
		if r.Success {
			s.SuccessCount++
		} else {
			s.FailureCount++
		}
		s.TotalNewMessages += r.NewMessages
		s.TotalForwardedMessages += r.ForwardedMessages
	}
	return s
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
