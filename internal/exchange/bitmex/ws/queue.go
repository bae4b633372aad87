package ws

import (
	"cmp"
	"slices"
)

// Queue buffers outbound commands between drains. It is not safe for concurrent
// use; the owning connection serializes access.
type Queue struct {
	items []Command
}

// Push appends commands and restores tier order: connect requests first, then
// authentication, then everything else. Order inside a tier is preserved.
func (q *Queue) Push(cmds ...Command) {
	q.items = append(q.items, cmds...)
	sortCommands(q.items)
}

// Pop removes and returns up to n commands from the head of the queue.
func (q *Queue) Pop(n int) []Command {
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}

	batch := make([]Command, n)
	copy(batch, q.items[:n])
	q.items = slices.Delete(q.items, 0, n)

	return batch
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Reset drops every pending command and returns how many were discarded.
func (q *Queue) Reset() int {
	n := len(q.items)
	q.items = nil
	return n
}

func sortCommands(cmds []Command) {
	slices.SortStableFunc(cmds, func(a, b Command) int {
		return cmp.Compare(tier(a), tier(b))
	})
}

func tier(c Command) int {
	if c.Type == FrameConnect {
		return 0
	}
	if c.Action != nil && c.Action.Op == OpAuthKeyExpires {
		return 1
	}
	return 2
}
