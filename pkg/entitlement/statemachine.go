package entitlement

// transitions lists the allowed status changes of one row. Self transitions
// (renewals, repeated states) are always allowed.
//
// A row with no history accepts any observed state because events before
// the first one seen may have been lost. From expired only a new row can
// follow.
var transitions = map[Status][]Status{
	StatusNone:            {StatusTrialing, StatusActive, StatusPastDue, StatusCanceledPending, StatusExpired},
	StatusTrialing:        {StatusActive, StatusPastDue, StatusCanceledPending, StatusExpired},
	StatusActive:          {StatusPastDue, StatusCanceledPending, StatusExpired},
	StatusPastDue:         {StatusActive, StatusCanceledPending, StatusExpired},
	StatusCanceledPending: {StatusActive, StatusExpired},
	StatusExpired:         {},
}

// CanTransition reports whether a row may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return from != StatusNone
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
