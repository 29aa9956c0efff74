package checkout

import "fmt"

// QuantityError rejects a quantity outside the sane bound. It is a guard
// failure, not a state transition error: the session stays where it is and
// the handler asks again.
type QuantityError struct {
	Quantity int
	Max      int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("quantity %d outside 1..%d", e.Quantity, e.Max)
}

// StockError rejects a quantity not covered by live stock.
type StockError struct {
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("requested %d but only %d in stock", e.Requested, e.Available)
}
