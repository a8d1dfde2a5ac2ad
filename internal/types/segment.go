package types

type SegmentStatus int

const (
	SegmentPending SegmentStatus = iota
	SegmentInFlight
	SegmentDone
	SegmentFailed
)

func (s SegmentStatus) String() string {
	return [...]string{"pending", "in-flight", "done", "failed"}[s]
}

type Segment struct {
	Index        int
	Locator      string
	Status       SegmentStatus
	AttemptCount int
	ByteSize     int64 // -1 until fetched
}
