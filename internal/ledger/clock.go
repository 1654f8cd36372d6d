package ledger

import "time"

// Clock supplies the wall-clock timestamps that reach persistence:
// read-model updates, idempotency rows, snapshots. Injecting it keeps
// timeout arithmetic testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns the process clock, normalised to UTC.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }
