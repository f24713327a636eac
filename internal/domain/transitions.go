package domain

// Transition tables are declarative configuration: they encode edge
// legality only, no business logic. Overrides may be loaded from YAML,
// with the caveat that edges outside the defaults are never exercised by
// the engine itself.

// OrderTransitions maps each order state to its permitted successors.
type OrderTransitions map[OrderState][]OrderState

// ItemTransitions maps each item state to its permitted successors.
type ItemTransitions map[ItemState][]ItemState

// DefaultOrderTransitions returns the built-in order automaton.
func DefaultOrderTransitions() OrderTransitions {
	return OrderTransitions{
		OrderQueued:       {OrderCheckedOut, OrderSubmitted, OrderRejected, OrderFailed},
		OrderCheckedOut:   {OrderInProgress, OrderQueued, OrderFailed},
		OrderInProgress:   {OrderSubmitted, OrderFailed, OrderQueued},
		OrderSubmitted:    {OrderApproved, OrderRejected, OrderFailed},
		OrderApproved:     {OrderApplied, OrderFailed},
		OrderApplied:      {OrderCompleted, OrderFailed},
		OrderRejected:     {OrderQueued, OrderDeadLettered},
		OrderFailed:       {OrderQueued, OrderDeadLettered},
		OrderCompleted:    {},
		OrderDeadLettered: {},
	}
}

// DefaultItemTransitions returns the built-in item automaton.
func DefaultItemTransitions() ItemTransitions {
	return ItemTransitions{
		ItemQueued:       {ItemLeased, ItemFailed},
		ItemLeased:       {ItemInProgress, ItemQueued, ItemFailed},
		ItemInProgress:   {ItemSubmitted, ItemFailed, ItemQueued},
		ItemSubmitted:    {ItemAccepted, ItemRejected, ItemFailed},
		ItemAccepted:     {ItemCompleted},
		ItemRejected:     {ItemQueued, ItemFailed},
		ItemCompleted:    {},
		ItemFailed:       {ItemQueued, ItemDeadLettered},
		ItemDeadLettered: {},
	}
}

// Can reports whether from → to is a legal order transition.
func (t OrderTransitions) Can(from, to OrderState) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Can reports whether from → to is a legal item transition.
func (t ItemTransitions) Can(from, to ItemState) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}
