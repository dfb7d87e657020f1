// Package pipeline formalizes the ToDo/Done batching shape
// translate.Translator.VirtToPhysList and pagecache.Cache.CachedRead both
// run their batches through: an item starts ToDo, each stage processes
// only the items still ToDo, and an item that reaches a terminal result or
// error flips to Done and is skipped by every later stage. A caller
// composing several such stages - page-table level after page-table
// level, or classify-then-fetch in the cache - shares one driver loop
// instead of re-deriving the "filter to pending, call, splice back"
// bookkeeping at each call site.
package pipeline

// Status marks whether an Item still needs processing.
type Status uint8

const (
	ToDo Status = iota
	Done
)

// Item threads one unit of work through a Driver.
type Item[T any] struct {
	Status Status
	Value  T
	Err    error
}

// NewToDo wraps v as a fresh ToDo item.
func NewToDo[T any](v T) Item[T] {
	return Item[T]{Status: ToDo, Value: v}
}

// Finish marks the item Done with a successful value.
func (it *Item[T]) Finish(v T) {
	it.Status = Done
	it.Value = v
}

// Fail marks the item Done with an error.
func (it *Item[T]) Fail(err error) {
	it.Status = Done
	it.Err = err
}

// IsDone reports whether the item has reached a terminal state.
func (it Item[T]) IsDone() bool {
	return it.Status == Done
}

// Processor is one stage of a Driver. It receives only the items still
// ToDo at the start of the stage, as pointers into the batch so it can
// mark some Done and leave others for the next stage.
type Processor[T any] interface {
	Process(items []*Item[T]) error
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc[T any] func(items []*Item[T]) error

func (f ProcessorFunc[T]) Process(items []*Item[T]) error {
	return f(items)
}

// Driver runs a fixed ordered sequence of Processors across one batch.
type Driver[T any] struct {
	Stages []Processor[T]
}

// Run processes items through every stage in order. A stage error fails
// every item still ToDo at that point rather than aborting the batch, so
// items resolved by earlier stages keep their result.
func (d Driver[T]) Run(items []Item[T]) []Item[T] {
	ptrs := make([]*Item[T], len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}

	for _, stage := range d.Stages {
		pending := pendingOf(ptrs)
		if len(pending) == 0 {
			break
		}
		if err := stage.Process(pending); err != nil {
			for _, it := range pending {
				if !it.IsDone() {
					it.Fail(err)
				}
			}
		}
	}
	return items
}

func pendingOf[T any](items []*Item[T]) []*Item[T] {
	pending := make([]*Item[T], 0, len(items))
	for _, it := range items {
		if !it.IsDone() {
			pending = append(pending, it)
		}
	}
	return pending
}
