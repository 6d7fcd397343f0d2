package models

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
	OrderRejected        OrderStatus = "rejected"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
}

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransitionTo reports whether s -> next is allowed
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	}
	return false
}
