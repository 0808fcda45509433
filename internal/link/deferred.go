package link

// deferredAction is a command postponed until the adapter becomes ready.
type deferredAction struct {
	name string
	fn   func()
}

// deferredSlot holds at most one pending action; a newer one replaces the older.
type deferredSlot struct {
	pending *deferredAction
}

// set stores the action and returns the name of the one it replaced, if any.
func (d *deferredSlot) set(name string, fn func()) (replaced string) {
	if d.pending != nil {
		replaced = d.pending.name
	}
	d.pending = &deferredAction{name: name, fn: fn}
	return replaced
}

// take clears the slot and returns what it held.
func (d *deferredSlot) take() *deferredAction {
	a := d.pending
	d.pending = nil
	return a
}

func (d *deferredSlot) name() string {
	if d.pending == nil {
		return ""
	}
	return d.pending.name
}
