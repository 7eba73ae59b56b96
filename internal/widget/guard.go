package widget

import "sync"

type operation string

const (
	opUpdateBodyData operation = "update_bodydata"
	opDeleteUser     operation = "delete_user"
)

// inFlight tracks which operations of one widget are running. A second call of a
// running operation fails fast with ErrBusy instead of queueing.
type inFlight struct {
	mu     sync.Mutex
	active map[operation]bool
}

func (f *inFlight) begin(op operation) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[op] {
		return nil, ErrBusy
	}
	f.active[op] = true
	return func() {
		f.mu.Lock()
		delete(f.active, op)
		f.mu.Unlock()
	}, nil
}
