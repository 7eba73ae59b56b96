package events

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

const (
	Login              = "infFITS:login"
	Logout             = "infFITS:logout"
	LoginSuccess       = "infFITS:loginSuccess"
	TokenRefreshFailed = "infFITS:tokenRefreshFailed"
	Error              = "infFITS:error"
	FirstLogin         = "infFITS:firstLogin"
	DeleteAccount      = "infFITS:deleteAccount"
	BodyDataUpdated    = "infFITS:bodyDataUpdated"
)

type Event struct {
	ID     string
	Name   string
	Detail any
}

type Handler func(Event)

// Bus delivers events synchronously to every subscriber in the same process,
// in subscription order.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
	order    map[string][]int
}

func NewBus() *Bus {
	return &Bus{handlers: map[string]map[int]Handler{}, order: map[string][]int{}}
}

// Subscribe registers fn for name and returns a function that removes it.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[name] == nil {
		b.handlers[name] = map[int]Handler{}
	}
	b.handlers[name][id] = fn
	b.order[name] = append(b.order[name], id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
		b.order[name] = slices.DeleteFunc(b.order[name], func(v int) bool { return v == id })
		if len(b.order[name]) == 0 {
			delete(b.order, name)
			delete(b.handlers, name)
		}
	}
}

func (b *Bus) Emit(name string, detail any) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ids := append([]int(nil), b.order[name]...)
	var fns []Handler
	for _, id := range ids {
		if fn, ok := b.handlers[name][id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	ev := Event{ID: uuid.NewString(), Name: name, Detail: detail}
	for _, fn := range fns {
		fn(ev)
	}
}
