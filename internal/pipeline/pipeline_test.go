package pipeline

import (
	"errors"
	"testing"
)

// evenFilter finishes even-valued items (multiplied by 10) in the stage
// it's run as and leaves odd ones ToDo.
type evenFilter struct{}

func (evenFilter) Process(items []*Item[int]) error {
	for _, it := range items {
		if it.Value%2 == 0 {
			it.Finish(it.Value * 10)
		}
	}
	return nil
}

type failOdd struct{}

func (failOdd) Process(items []*Item[int]) error {
	for _, it := range items {
		it.Fail(errors.New("odd value rejected"))
	}
	return nil
}

func TestDriverSkipsDoneItems(t *testing.T) {
	d := Driver[int]{Stages: []Processor[int]{evenFilter{}, failOdd{}}}
	items := []Item[int]{NewToDo(2), NewToDo(3), NewToDo(4)}
	results := d.Run(items)

	if results[0].Err != nil || results[0].Value != 20 {
		t.Errorf("item 0: got %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("item 1 (odd) should have failed in stage 2")
	}
	if results[2].Err != nil || results[2].Value != 40 {
		t.Errorf("item 2: got %+v", results[2])
	}
}

func TestDriverStopsWhenAllDone(t *testing.T) {
	calls := 0
	counting := ProcessorFunc[int](func(items []*Item[int]) error {
		calls++
		for _, it := range items {
			it.Finish(it.Value)
		}
		return nil
	})
	d := Driver[int]{Stages: []Processor[int]{counting, counting, counting}}
	d.Run([]Item[int]{NewToDo(1)})
	if calls != 1 {
		t.Fatalf("expected the driver to stop once every item is done, got %d calls", calls)
	}
}

func TestDriverStageErrorFailsRemainingItems(t *testing.T) {
	boom := ProcessorFunc[int](func(items []*Item[int]) error {
		return errors.New("boom")
	})
	d := Driver[int]{Stages: []Processor[int]{boom}}
	results := d.Run([]Item[int]{NewToDo(1), NewToDo(2)})
	for i, r := range results {
		if r.Err == nil {
			t.Errorf("item %d should have failed", i)
		}
	}
}
