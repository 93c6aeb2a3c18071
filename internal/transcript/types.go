package transcript

import "time"

// RawMessage is a single message segmented from a transcript export.
type RawMessage struct {
	Index     int       // position in segmentation order, starting at 0
	Line      int       // 1-based line number of the header line
	Timestamp time.Time
	Author    string
	Body      string // may span several lines
}

// Date returns the message date in transcript notation (DD/MM/YYYY).
func (m RawMessage) Date() string { return m.Timestamp.Format(dateLayout) }

// Clock returns the message time of day (HH:MM:SS).
func (m RawMessage) Clock() string { return m.Timestamp.Format(clockLayout) }

// ISODate returns the message date as YYYY-MM-DD.
func (m RawMessage) ISODate() string { return m.Timestamp.Format("2006-01-02") }

const (
	dateLayout  = "02/01/2006"
	clockLayout = "15:04:05"
)
