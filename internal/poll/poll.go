// Package poll waits for readiness on completion queue wait descriptors. Each
// registered descriptor is tagged with a QueueID so the caller learns which
// queue woke it without decoding pointers out of the kernel event.
package poll

import "fmt"

// QueueID names a registered queue.
type QueueID int

const (
	QueueNone QueueID = iota
	QueueTx
	QueueRx
)

func (q QueueID) String() string {
	switch q {
	case QueueNone:
		return "none"
	case QueueTx:
		return "txcq"
	case QueueRx:
		return "rxcq"
	default:
		return fmt.Sprintf("queue(%d)", int(q))
	}
}
