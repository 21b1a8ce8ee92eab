package native

import (
	"sync"

	"github.com/tinyrange/vmmctl/internal/hv"
)

// ackTable hands out cookies for acknowledgment callbacks. The library only
// ever sees the cookie; the Go closure stays on this side of the boundary.
type ackTable struct {
	mu      sync.Mutex
	entries []ackEntry
}

type ackEntry struct {
	fn   hv.AckFunc
	data uintptr
}

// add stores fn and returns its cookie. Cookies start at 1 so a zero
// pointer from the library never resolves.
func (t *ackTable) add(fn hv.AckFunc, data uintptr) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, ackEntry{fn: fn, data: data})
	return uintptr(len(t.entries))
}

func (t *ackTable) dispatch(vcpu, virq int, cookie uintptr) bool {
	t.mu.Lock()
	if cookie == 0 || cookie > uintptr(len(t.entries)) {
		t.mu.Unlock()
		return false
	}
	e := t.entries[cookie-1]
	t.mu.Unlock()

	if e.fn != nil {
		e.fn(vcpu, virq, e.data)
	}
	return true
}
