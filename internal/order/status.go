package order

// Status doubles as the concurrency guard between the payment and timeout
// paths: a transition is only applied from its declared source state, so the
// second-arriving of two racing events becomes a no-op.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusPaid      Status = "Paid"
	StatusCancelled Status = "Cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
