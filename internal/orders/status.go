package orders

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
	// StatusDelivered is set by downstream fulfilment after PAID. The core
	// accepts it but never drives it.
	StatusDelivered Status = "DELIVERED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusExpired: true, StatusCancelled: true},
	StatusPaid:      {StatusDelivered: true},
	StatusExpired:   {},
	StatusCancelled: {},
	StatusDelivered: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether the reconciliation core will never move s again.
func (s Status) Terminal() bool { return s.Valid() && s != StatusPending }

func (s Status) String() string { return string(s) }
