package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Owned cells: reference-counted heap storage for non-scalar values
// ---------------------------------------------------------------------------

// PayloadKind identifies what an owned cell holds.
type PayloadKind int

const (
	KindString PayloadKind = iota
	KindFunction
	KindError
	KindProcess
)

func (k PayloadKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFunction:
		return "function"
	case KindError:
		return "error"
	case KindProcess:
		return "process"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the heap data wrapped by an owned cell. Payloads are immutable
// after construction; the reference count is the only field of a cell that
// is ever written concurrently.
type Payload interface {
	Kind() PayloadKind

	// release runs when the cell's count reaches zero. It drops any nested
	// values the payload holds, on the thread that observed the zero
	// transition.
	release(h *Heap, tid ThreadID)
}

// StringPayload holds an immutable string.
type StringPayload struct {
	S string
}

func (p *StringPayload) Kind() PayloadKind       { return KindString }
func (p *StringPayload) release(*Heap, ThreadID) {}

// FunctionPayload holds a first-class function: an index into the program's
// function table plus any captured values. Captures are released when the
// function cell dies.
type FunctionPayload struct {
	Index    int
	Captures []Value
}

func (p *FunctionPayload) Kind() PayloadKind { return KindFunction }

func (p *FunctionPayload) release(h *Heap, tid ThreadID) {
	for _, c := range p.Captures {
		h.Release(c, tid)
	}
}

// ErrorPayload holds a first-class error value.
type ErrorPayload struct {
	Code    ErrCode
	Message string
}

func (p *ErrorPayload) Kind() PayloadKind       { return KindError }
func (p *ErrorPayload) release(*Heap, ThreadID) {}

// ThreadID identifies an interpreter thread for the biased counting scheme.
// IDs are handed out by the heap; goroutines never share one.
type ThreadID uint64

// ownerStake is the owning thread's share of the shared count word. The
// shared word is ownerStake plus the number of live foreign references, so
// it reaches zero exactly when the owner has departed and every foreign
// reference has been dropped.
const ownerStake int64 = 1 << 32

// Cell is the reference-counted wrapper around a heap payload.
//
// Counting state is split per the biased scheme:
//   - local: references created and dropped by the owning thread. Plain
//     (non-atomic) arithmetic; only the owner touches it.
//   - shared: ownerStake + foreign reference count, maintained atomically.
//   - promoted: set (once, never cleared) the moment a second thread
//     acquires a reference.
//
// The mutex fallback strategy ignores local/shared and keeps a single
// counter under mu.
type Cell struct {
	id      uint32
	payload Payload
	owner   ThreadID

	local    int64 // owner-thread count minus the creation reference
	shared   atomic.Int64
	promoted atomic.Bool

	mu    sync.Mutex // mutex strategy only
	count int64      // mutex strategy only
}

// ID returns the cell's heap ID.
func (c *Cell) ID() uint32 { return c.id }

// Owner returns the cell's owning thread.
func (c *Cell) Owner() ThreadID { return c.owner }

// Promoted reports whether the cell has ever been shared with a second
// thread. Promotion is monotonic.
func (c *Cell) Promoted() bool { return c.promoted.Load() }

// Payload returns the cell's heap data.
func (c *Cell) Payload() Payload { return c.payload }

// ---------------------------------------------------------------------------
// Heap: the owned-cell registry
// ---------------------------------------------------------------------------

// Heap owns every live cell, keyed by ID. The registry keeps cells
// reachable for handle values (whose 48-bit payload cannot carry a Go
// pointer the runtime would trace) and gives deallocation an observable,
// deterministic point: a cell leaves the registry the instant its count
// hits zero.
type Heap struct {
	mu    sync.RWMutex
	cells map[uint32]*Cell

	nextID  atomic.Uint32
	nextTID atomic.Uint64

	rc counting
}

// NewHeap creates an empty heap. The counting strategy is fixed for the
// heap's lifetime: biased/atomic when atomics are available, the mutex
// fallback otherwise.
func NewHeap(atomicsAvailable bool) *Heap {
	h := &Heap{cells: make(map[uint32]*Cell)}
	if atomicsAvailable {
		h.rc = biasedCounting{}
	} else {
		h.rc = mutexCounting{}
	}
	return h
}

// Strategy returns a short name for the active counting strategy.
func (h *Heap) Strategy() string { return h.rc.name() }

// NewThread allocates a fresh thread ID for an interpreter thread.
func (h *Heap) NewThread() ThreadID {
	return ThreadID(h.nextTID.Add(1))
}

// Alloc wraps a payload in a new owned cell with count 1, owned by tid,
// and returns its handle value.
func (h *Heap) Alloc(p Payload, tid ThreadID) Value {
	c := &Cell{
		id:      h.nextID.Add(1),
		payload: p,
		owner:   tid,
		count:   1,
	}
	c.shared.Store(ownerStake)

	h.mu.Lock()
	h.cells[c.id] = c
	h.mu.Unlock()

	return FromCellID(c.id)
}

// NewString allocates a string cell.
func (h *Heap) NewString(s string, tid ThreadID) Value {
	return h.Alloc(&StringPayload{S: s}, tid)
}

// NewError allocates an error cell.
func (h *Heap) NewError(code ErrCode, msg string, tid ThreadID) Value {
	return h.Alloc(&ErrorPayload{Code: code, Message: msg}, tid)
}

// NewFunction allocates a function cell. The captures are owned by the new
// cell; callers hand over one reference each.
func (h *Heap) NewFunction(index int, captures []Value, tid ThreadID) Value {
	return h.Alloc(&FunctionPayload{Index: index, Captures: captures}, tid)
}

// Cell returns the live cell for an ID, or nil if the ID is dead.
func (h *Heap) Cell(id uint32) *Cell {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cells[id]
}

// Live returns the number of live cells.
func (h *Heap) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cells)
}

// Retain increments the reference count of v's cell on behalf of tid.
// Non-handle values pass through untouched. Never fails.
func (h *Heap) Retain(v Value, tid ThreadID) Value {
	if !v.IsHandle() {
		return v
	}
	c := h.Cell(v.CellID())
	if c == nil {
		panic(fmt.Sprintf("vm: retain of dead cell %d", v.CellID()))
	}
	h.rc.retain(c, tid)
	return v
}

// Release decrements the reference count of v's cell on behalf of tid. The
// thread whose decrement observes zero destroys the payload, exactly once.
// Non-handle values are ignored.
func (h *Heap) Release(v Value, tid ThreadID) {
	if !v.IsHandle() {
		return
	}
	c := h.Cell(v.CellID())
	if c == nil {
		panic(fmt.Sprintf("vm: release of dead cell %d (double free)", v.CellID()))
	}
	if h.rc.release(c, tid) {
		h.destroy(c, tid)
	}
}

// destroy removes the cell from the registry and runs the payload
// destructor. Runs on exactly one thread per cell.
func (h *Heap) destroy(c *Cell, tid ThreadID) {
	h.mu.Lock()
	delete(h.cells, c.id)
	h.mu.Unlock()

	c.payload.release(h, tid)
}

// Payload returns the payload behind a handle value, or nil for
// non-handles and dead cells.
func (h *Heap) Payload(v Value) Payload {
	if !v.IsHandle() {
		return nil
	}
	c := h.Cell(v.CellID())
	if c == nil {
		return nil
	}
	return c.payload
}

// ---------------------------------------------------------------------------
// Typed payload accessors
// ---------------------------------------------------------------------------

// IsString returns true if v is a handle to a string cell.
func (h *Heap) IsString(v Value) bool {
	p, ok := h.Payload(v).(*StringPayload)
	return ok && p != nil
}

// StringOf returns the string behind v. Panics if v is not a string handle.
func (h *Heap) StringOf(v Value) string {
	p, ok := h.Payload(v).(*StringPayload)
	if !ok {
		panic("vm: StringOf: not a string")
	}
	return p.S
}

// IsError returns true if v is a handle to an error cell.
func (h *Heap) IsError(v Value) bool {
	p, ok := h.Payload(v).(*ErrorPayload)
	return ok && p != nil
}

// ErrorOf returns the error payload behind v, or nil.
func (h *Heap) ErrorOf(v Value) *ErrorPayload {
	p, _ := h.Payload(v).(*ErrorPayload)
	return p
}

// IsFunction returns true if v is a handle to a function cell.
func (h *Heap) IsFunction(v Value) bool {
	p, ok := h.Payload(v).(*FunctionPayload)
	return ok && p != nil
}

// FunctionOf returns the function payload behind v, or nil.
func (h *Heap) FunctionOf(v Value) *FunctionPayload {
	p, _ := h.Payload(v).(*FunctionPayload)
	return p
}
