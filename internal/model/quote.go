package model

import "time"

// Session is an opaque serialized browsing context (cookies, storage).
// The store round-trips it byte-for-byte; only the browser knows its layout.
type Session []byte

// Quote is the extracted (price, change) pair for one run.
type Quote struct {
	Price  string `json:"price"`
	Change string `json:"change"`
}

// Trend is the direction marker shown next to the change figure.
type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
)

// Report is the formatted view of a Quote at a point in time.
type Report struct {
	Timestamp time.Time
	Label     string
	Price     string
	Unit      string
	Change    string
	Trend     Trend
}
