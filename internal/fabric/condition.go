package fabric

// Condition gates when a submitted operation may be issued. It is either
// Immediate or Threshold.
type Condition interface {
	condition()
}

// Immediate issues the operation as soon as it is submitted.
type Immediate struct{}

func (Immediate) condition() {}

// Threshold defers the operation until Counter reaches Value. The provider
// holds the operation; no application polling is involved.
type Threshold struct {
	Counter Counter
	Value   uint64
}

func (Threshold) condition() {}

// WriteRequest describes a single-segment RMA write.
type WriteRequest struct {
	Region MemoryRegion
	Offset int
	Length int
	Dest   Handle
	// Key and RemoteAddr address the target region.
	Key        uint64
	RemoteAddr uint64
	// Condition defaults to Immediate when nil.
	Condition Condition
}

// Triggered reports the threshold carried by the request, if any.
func (r WriteRequest) Triggered() (Threshold, bool) {
	t, ok := r.Condition.(Threshold)
	return t, ok
}
