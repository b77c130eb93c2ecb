// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Elastic sizing policy.

package concurrency

// Stats is a sample of pool load handed to a Strategy.
type Stats struct {
	Min      int
	Max      int
	Tasks    int
	Workers  int
	Running  int
	Sleeping int
}

// Strategy returns a signed worker delta: positive grows the pool,
// negative shrinks it. The pool clamps the result to [Min, Max].
type Strategy func(s Stats) int

// DefaultStrategy shrinks by at least a quarter of the sleeping workers
// when the queue is short and most workers idle, and grows by two when
// tasks pile up and nobody sleeps.
func DefaultStrategy(s Stats) int {
	if s.Tasks <= s.Min {
		if s.Sleeping > s.Running {
			return -max(int(float64(s.Sleeping)*0.25), s.Workers-s.Min)
		}
		return 0
	}
	if s.Sleeping == 0 {
		return min(s.Max-s.Workers, 2)
	}
	return 0
}
