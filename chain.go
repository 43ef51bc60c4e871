package audiopipe

import (
	"github.com/eluv-io/errors-go"
)

// readjustLast points last of every stage from base on at the tail of the chain,
// the tail included. It walks the whole chain.
func readjustLast(base *Filter) {
	if base == nil {
		return
	}
	if base.next == nil {
		base.last = nil
		return
	}
	tail := base
	for tail.next != nil {
		tail = tail.next
	}
	for n := base; n != nil; n = n.next {
		n.last = tail
	}
}

// PushFilter appends f to the chain of base. Nothing can be appended after an
// encoder. A stage without a time base runs in the time base of its upstream.
func PushFilter(base, f *Filter) (*Filter, error) {
	e := errors.Template("audiopipe.PushFilter", errors.K.Invalid)

	if base == nil || f == nil {
		return nil, e("reason", "nil filter")
	}
	tail := base
	if base.last != nil {
		tail = base.last
	}
	if tail.Kind == FilterEncoder {
		return nil, e(EAF_CHAIN_TERMINATED, "tail", tail.Kind.String())
	}

	if !f.TimeBase.Valid() {
		f.TimeBase = tail.TimeBase
	}
	tail.next = f
	readjustLast(base)
	return f, nil
}

// PopFilter detaches the tail of the chain of base and returns it, or nil if
// base is alone. The caller closes the detached stage.
func PopFilter(base *Filter) *Filter {
	if base == nil || base.next == nil {
		return nil
	}
	prev := base
	for prev.next.next != nil {
		prev = prev.next
	}
	tail := prev.next
	prev.next = nil
	tail.last = nil
	if tail.Enc == tail {
		for n := base; n != nil; n = n.next {
			n.Enc = nil
		}
	}
	readjustLast(base)
	return tail
}

// CloseChain closes every stage of the chain of base, tail first and base last.
// It returns the first close error.
func CloseChain(base *Filter) error {
	if base == nil {
		return nil
	}
	var first error
	for f := PopFilter(base); f != nil; f = PopFilter(base) {
		if err := f.close(); err != nil {
			log.Warn("failed to close audio filter", "kind", f.Kind.String(), "err", err)
			if first == nil {
				first = err
			}
		}
	}
	if err := base.close(); err != nil {
		log.Warn("failed to close audio filter", "kind", base.Kind.String(), "err", err)
		if first == nil {
			first = err
		}
	}
	return first
}
