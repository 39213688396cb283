// Package board holds the client side projection of a user's tasks into
// status lanes. Drags mutate it optimistically; every status change is kept
// as a pending operation until the server confirms or rejects it.
package board

import (
	"slices"

	"taskboard/domain"
)

// Kind tags what a drag item refers to.
type Kind int

const (
	KindTask Kind = iota
	KindLane
)

// Item is one end of a drag: the thing being dragged or the thing under it.
type Item struct {
	ID   string
	Kind Kind
}

// DragEvent describes a finished drag. Over is nil when the item was dropped
// outside any target.
type DragEvent struct {
	Active Item
	Over   *Item
}

// Lane is a status column. Its ID is the status it collects.
type Lane struct {
	ID    domain.Status
	Title string
}

// DefaultLanes returns the four lanes in board order.
func DefaultLanes() []Lane {
	return []Lane{
		{ID: domain.StatusToDo, Title: "To Do"},
		{ID: domain.StatusInProgress, Title: "In Progress"},
		{ID: domain.StatusUnderReview, Title: "Under Review"},
		{ID: domain.StatusCompleted, Title: "Completed"},
	}
}

// Op is a status change applied locally and awaiting the server.
type Op struct {
	Seq    uint64
	TaskID string
	Status domain.Status
	// Prev is the status to restore if the change is rejected.
	Prev domain.Status
}

// Result reports how the server handled an Op. On success Snapshot may carry
// the task list fetched afterwards, ordered by FetchSeq.
type Result struct {
	Seq      uint64
	Err      error
	Snapshot []domain.Task
	FetchSeq uint64
}

// Board is the in-memory view model. It is driven by a single event loop and
// is not safe for concurrent use.
type Board struct {
	lanes     []Lane
	tasks     []domain.Task
	pending   []Op
	nextSeq   uint64
	lastFetch uint64

	// superseded holds ops dropped because a later op on the same task was
	// confirmed first. Their outcome no longer affects the board.
	superseded map[uint64]struct{}
}

// New creates a board over tasks with the default lanes.
func New(tasks []domain.Task) *Board {
	return &Board{lanes: DefaultLanes(), tasks: slices.Clone(tasks)}
}

func (b *Board) Lanes() []Lane { return slices.Clone(b.lanes) }
func (b *Board) Tasks() []domain.Task { return slices.Clone(b.tasks) }
func (b *Board) Pending() []Op { return slices.Clone(b.pending) }

// LaneTasks returns the tasks in lane status, in board order.
func (b *Board) LaneTasks(status domain.Status) []domain.Task {
	var out []domain.Task
	for _, t := range b.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Apply mutates the board for ev and returns the status change the server
// must be told about, or nil when the drag changed nothing persistent.
func (b *Board) Apply(ev DragEvent) *Op {
	if ev.Over == nil || ev.Active.ID == ev.Over.ID {
		return nil
	}
	over := *ev.Over

	switch {
	case ev.Active.Kind == KindLane && over.Kind == KindLane:
		from, to := b.laneIndex(ev.Active.ID), b.laneIndex(over.ID)
		if from < 0 || to < 0 {
			return nil
		}
		b.lanes = move(b.lanes, from, to)
		return nil

	case ev.Active.Kind == KindTask && over.Kind == KindTask:
		from, to := b.taskIndex(ev.Active.ID), b.taskIndex(over.ID)
		if from < 0 || to < 0 {
			return nil
		}
		prev, target := b.tasks[from].Status, b.tasks[to].Status
		b.tasks[from].Status = target
		b.tasks = move(b.tasks, from, to)
		if prev == target {
			// Order inside a lane is not persisted.
			return nil
		}
		return b.record(ev.Active.ID, target, prev)

	case ev.Active.Kind == KindTask && over.Kind == KindLane:
		from := b.taskIndex(ev.Active.ID)
		if from < 0 || b.laneIndex(over.ID) < 0 {
			return nil
		}
		prev, target := b.tasks[from].Status, domain.Status(over.ID)
		b.tasks[from].Status = target
		b.tasks = move(b.tasks, from, 0)
		return b.record(ev.Active.ID, target, prev)
	}
	return nil
}

func (b *Board) record(taskID string, status, prev domain.Status) *Op {
	b.nextSeq++
	op := Op{Seq: b.nextSeq, TaskID: taskID, Status: status, Prev: prev}
	b.pending = append(b.pending, op)
	return &op
}

// Resolve settles a pending op. A failed op is rolled back and its error
// returned for the caller to surface. Once an op is confirmed, earlier ops on
// the same task are dropped and their later results ignored.
func (b *Board) Resolve(r Result) error {
	if _, ok := b.superseded[r.Seq]; ok {
		delete(b.superseded, r.Seq)
		return nil
	}
	i := slices.IndexFunc(b.pending, func(op Op) bool { return op.Seq == r.Seq })
	if i < 0 {
		return r.Err
	}
	op := b.pending[i]
	b.pending = slices.Delete(b.pending, i, i+1)

	if r.Err != nil {
		// A later op on the same task now owns the rollback target.
		if j := slices.IndexFunc(b.pending[i:], func(p Op) bool { return p.TaskID == op.TaskID }); j >= 0 {
			b.pending[i+j].Prev = op.Prev
		} else if k := b.taskIndex(op.TaskID); k >= 0 {
			b.tasks[k].Status = op.Prev
		}
		return r.Err
	}

	b.supersede(op)
	if r.Snapshot != nil && r.FetchSeq > b.lastFetch {
		b.lastFetch = r.FetchSeq
		b.Replace(r.Snapshot)
	}
	return nil
}

// Replace resets the task list from a full fetch and re-applies the pending
// ops on top of it.
func (b *Board) Replace(tasks []domain.Task) {
	b.tasks = slices.Clone(tasks)
	for _, op := range b.pending {
		if k := b.taskIndex(op.TaskID); k >= 0 {
			b.tasks[k].Status = op.Status
		}
	}
}

// supersede drops the pending ops on op's task that were issued before it.
func (b *Board) supersede(op Op) {
	kept := b.pending[:0]
	for _, p := range b.pending {
		if p.TaskID == op.TaskID && p.Seq < op.Seq {
			if b.superseded == nil {
				b.superseded = make(map[uint64]struct{})
			}
			b.superseded[p.Seq] = struct{}{}
			continue
		}
		kept = append(kept, p)
	}
	b.pending = kept
}

func (b *Board) taskIndex(id string) int {
	return slices.IndexFunc(b.tasks, func(t domain.Task) bool { return t.ID == id })
}

func (b *Board) laneIndex(id string) int {
	return slices.IndexFunc(b.lanes, func(l Lane) bool { return string(l.ID) == id })
}

// move removes the element at from and reinserts it at to.
func move[T any](s []T, from, to int) []T {
	if from == to {
		return s
	}
	v := s[from]
	s = slices.Delete(s, from, from+1)
	return slices.Insert(s, to, v)
}
