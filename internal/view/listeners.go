// Package view materializes the output of an operator graph for clients.
package view

// Listener receives a view's data after hydration and after every flush
// that followed a change. Implementations must be comparable; NewListener
// returns a distinct comparable value per call.
type Listener interface {
	ViewChanged(data any)
}

type funcListener struct {
	fn func(data any)
}

func (l *funcListener) ViewChanged(data any) { l.fn(data) }

// NewListener adapts fn to a Listener.
func NewListener(fn func(data any)) Listener {
	return &funcListener{fn: fn}
}

// listeners is an ordered listener set.
type listeners struct {
	order []Listener
	set   map[Listener]struct{}
}

func (ls *listeners) add(l Listener) func() {
	if ls.set == nil {
		ls.set = make(map[Listener]struct{})
	}
	if _, ok := ls.set[l]; ok {
		panic("Listener already registered")
	}
	ls.set[l] = struct{}{}
	ls.order = append(ls.order, l)
	return func() { ls.remove(l) }
}

func (ls *listeners) remove(l Listener) {
	if _, ok := ls.set[l]; !ok {
		return
	}
	delete(ls.set, l)
	for i, x := range ls.order {
		if x == l {
			ls.order = append(ls.order[:i:i], ls.order[i+1:]...)
			break
		}
	}
}

func (ls *listeners) fire(data any) {
	for _, l := range append([]Listener(nil), ls.order...) {
		l.ViewChanged(data)
	}
}

func (ls *listeners) clear() {
	ls.order = nil
	ls.set = nil
}
