package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencerAppliesInIssuanceOrder(t *testing.T) {
	q := newSequencer()
	a, b, c := q.issue(), q.issue(), q.issue()
	assert.Equal(t, 3, q.outstanding())

	var order []string
	mark := func(name string) applyFn {
		return func(*thread, *outcome) { order = append(order, name) }
	}
	run := func(fns []applyFn) {
		for _, f := range fns {
			f(nil, nil)
		}
	}

	run(q.complete(c, mark("c")))
	run(q.complete(b, mark("b")))
	assert.Empty(t, order, "nothing applies before the first mutation answers")

	run(q.complete(a, mark("a")))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, q.outstanding())

	d := q.issue()
	run(q.complete(d, mark("d")))
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}
