package connio

import (
	"fmt"
	"sync/atomic"

	"github.com/cyberinferno/go-netcore/idgenerator"
	"github.com/cyberinferno/go-netcore/safemap"
)

// Registry indexes live handles by descriptor and hands out increasing IDs.
// It guarantees that no two handles own the same descriptor. A Registry is
// safe for concurrent use.
type Registry struct {
	handles *safemap.SafeMap[int, *Handle]
	ids     *idgenerator.IdGenerator
	count   atomic.Int64
}

// NewRegistry creates an empty registry whose first ID is startID+1.
func NewRegistry(startID uint32) *Registry {
	return &Registry{
		handles: safemap.NewSafeMap[int, *Handle](),
		ids:     idgenerator.NewIdGenerator(startID),
	}
}

// Register records h under its descriptor.
//
// Parameters:
//   - h: The handle to record
//
// Returns:
//   - The ID assigned to h
//   - ErrDescriptorInUse if another handle owns the same descriptor
func (r *Registry) Register(h *Handle) (uint32, error) {
	if _, loaded := r.handles.LoadOrStore(h.fd, h); loaded {
		return 0, fmt.Errorf("register fd %d: %w", h.fd, ErrDescriptorInUse)
	}

	r.count.Add(1)
	return r.ids.Id(), nil
}

// Unregister removes h if it is the handle recorded for its descriptor.
func (r *Registry) Unregister(h *Handle) {
	if r.handles.CompareAndDelete(h.fd, h) {
		r.count.Add(-1)
	}
}

// Lookup returns the handle owning fd.
func (r *Registry) Lookup(fd int) (*Handle, bool) {
	return r.handles.Load(fd)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls f for each registered handle until f returns false.
func (r *Registry) Range(f func(h *Handle) bool) {
	r.handles.Range(func(_ int, h *Handle) bool {
		return f(h)
	})
}

// CloseAll closes every registered handle and returns the first error.
func (r *Registry) CloseAll() error {
	var firstErr error
	r.Range(func(h *Handle) bool {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		return true
	})

	return firstErr
}
