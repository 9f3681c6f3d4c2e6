package model

import (
	"fmt"
	"time"
)

// RunStatus is the terminal state of one execution.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
	RunSkipped RunStatus = "SKIPPED"
)

// Delivery is the outcome of sending one message to one recipient.
type Delivery struct {
	Recipient string
	OK        bool
	Error     string
}

// DeliveryReport collects per-recipient outcomes in recipient order.
// Err is set when the channel refused to send at all (e.g. missing token).
type DeliveryReport struct {
	Deliveries []Delivery
	Err        error
}

// Succeeded returns the number of recipients the message reached.
func (d DeliveryReport) Succeeded() int {
	n := 0
	for _, del := range d.Deliveries {
		if del.OK {
			n++
		}
	}
	return n
}

// Failed returns the recipients whose delivery failed.
func (d DeliveryReport) Failed() []Delivery {
	var out []Delivery
	for _, del := range d.Deliveries {
		if !del.OK {
			out = append(out, del)
		}
	}
	return out
}

// RunResult is the outcome of one orchestrated run.
type RunResult struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         RunStatus
	Quote          Quote
	Reason         string
	DiagnosticPath string
	Delivery       DeliveryReport
}

// Summary renders a one-line description of the result.
func (r RunResult) Summary() string {
	switch r.Status {
	case RunSuccess:
		return fmt.Sprintf("%s %s | price=%s change=%q | delivered %d/%d",
			r.StartedAt.Format("2006-01-02 15:04"), r.Status, r.Quote.Price, r.Quote.Change,
			r.Delivery.Succeeded(), len(r.Delivery.Deliveries))
	case RunFailure:
		return fmt.Sprintf("%s %s | %s", r.StartedAt.Format("2006-01-02 15:04"), r.Status, r.Reason)
	default:
		return fmt.Sprintf("%s %s", r.StartedAt.Format("2006-01-02 15:04"), r.Status)
	}
}
