// README: Money value object; amounts are integer minor units.
package types

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Times multiplies the amount by n, e.g. a per-seat price by a seat count.
func (m Money) Times(n int) Money {
	return Money{Amount: m.Amount * int64(n), Currency: m.Currency}
}
