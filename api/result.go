// Package api
// Author: momentics@gmail.com
//
// Result cell shared by task results and cross-thread futures.

package api

type cellState uint8

const (
	cellEmpty cellState = iota
	cellValue
	cellError
)

// Cell holds either nothing, a produced value or an error. It is written at
// most once; a second write panics. Cell is not safe for concurrent use,
// owners synchronise access themselves.
type Cell[T any] struct {
	state cellState
	value T
	err   error
}

// SetValue stores the produced value.
func (c *Cell[T]) SetValue(v T) {
	c.mustBeEmpty()
	c.value = v
	c.state = cellValue
}

// SetError stores a failure. A nil err is stored as the zero value.
func (c *Cell[T]) SetError(err error) {
	c.mustBeEmpty()
	if err == nil {
		c.state = cellValue
		return
	}
	c.err = err
	c.state = cellError
}

// Ready reports whether the cell was written.
func (c *Cell[T]) Ready() bool { return c.state != cellEmpty }

// Result returns the stored value or re-raises the stored error. Reading an
// empty cell yields ErrResultEmpty. Repeated reads return the same outcome.
func (c *Cell[T]) Result() (T, error) {
	switch c.state {
	case cellValue:
		return c.value, nil
	case cellError:
		var zero T
		return zero, c.err
	}
	var zero T
	return zero, ErrResultEmpty
}

func (c *Cell[T]) mustBeEmpty() {
	if c.state != cellEmpty {
		panic("api: result cell written twice")
	}
}
