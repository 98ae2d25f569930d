package thread

// applyFn mutates a thread under the store lock and records side effects in out.
type applyFn func(t *thread, out *outcome)

// sequencer releases remote acknowledgments of one thread in the order the
// mutations were issued. A response that arrives early is parked until every
// earlier mutation has been applied.
type sequencer struct {
	next    uint64
	applied uint64
	ready   map[uint64]applyFn
}

func newSequencer() *sequencer {
	return &sequencer{ready: make(map[uint64]applyFn)}
}

func (q *sequencer) issue() uint64 {
	s := q.next
	q.next++
	return s
}

// complete records the outcome for seq and returns every outcome that is now
// applicable, in issuance order.
func (q *sequencer) complete(seq uint64, fn applyFn) []applyFn {
	q.ready[seq] = fn
	var out []applyFn
	for {
		f, ok := q.ready[q.applied]
		if !ok {
			return out
		}
		delete(q.ready, q.applied)
		out = append(out, f)
		q.applied++
	}
}

// outstanding is the number of issued mutations not yet applied.
func (q *sequencer) outstanding() int {
	return int(q.next - q.applied)
}
