package order

// Status is a stage of the order lifecycle.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusQuoted          Status = "QUOTED"
	StatusPaid            Status = "PAID"
	StatusSlicing         Status = "SLICING"
	StatusReadyToPrint    Status = "READY_TO_PRINT"
	StatusPrinting        Status = "PRINTING"
	StatusPrintDone       Status = "PRINT_DONE"
	StatusWaitingDelivery Status = "WAITING_DELIVERY"
	StatusOutForDelivery  Status = "OUT_FOR_DELIVERY"
	StatusDelivered       Status = "DELIVERED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Statuses lists every lifecycle status in table order.
var Statuses = []Status{
	StatusNew,
	StatusQuoted,
	StatusPaid,
	StatusSlicing,
	StatusReadyToPrint,
	StatusPrinting,
	StatusPrintDone,
	StatusWaitingDelivery,
	StatusOutForDelivery,
	StatusDelivered,
	StatusFailed,
	StatusCancelled,
}

// transitions is the only place that decides which status changes are legal.
// FAILED -> SLICING is the manual retry path.
var transitions = map[Status][]Status{
	StatusNew:             {StatusQuoted, StatusCancelled},
	StatusQuoted:          {StatusPaid, StatusCancelled},
	StatusPaid:            {StatusSlicing, StatusCancelled},
	StatusSlicing:         {StatusReadyToPrint, StatusFailed},
	StatusReadyToPrint:    {StatusPrinting, StatusFailed},
	StatusPrinting:        {StatusPrintDone, StatusFailed},
	StatusPrintDone:       {StatusWaitingDelivery},
	StatusWaitingDelivery: {StatusOutForDelivery},
	StatusOutForDelivery:  {StatusDelivered},
	StatusFailed:          {StatusSlicing},
	StatusDelivered:       nil,
	StatusCancelled:       nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllowedTargets returns the statuses reachable from s in one step.
func (s Status) AllowedTargets() []Status {
	return append([]Status(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CustomerCancellable reports whether a customer may cancel an order in s.
// Paid orders can only be cancelled by an admin.
func CustomerCancellable(s Status) bool {
	return s == StatusNew || s == StatusQuoted
}

// Passed reports whether an order in current has already reached milestone
// along the lifecycle, e.g. a paid order that is now printing has passed PAID.
// Cancelled orders have passed nothing. The manual retry edge does not count
// as progress, so a SLICING order has not passed READY_TO_PRINT.
func Passed(current, milestone Status) bool {
	if current == StatusCancelled || !current.Valid() || !milestone.Valid() {
		return false
	}
	if current == milestone {
		return true
	}

	seen := map[Status]bool{milestone: true}
	queue := []Status{milestone}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range transitions[s] {
			if isRetry(s, next) {
				continue
			}
			if next == current {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func isRetry(from, to Status) bool {
	return from == StatusFailed && to == StatusSlicing
}
