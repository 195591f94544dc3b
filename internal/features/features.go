// Package features maps raw transaction fields into the fixed-order numeric
// vector the fraud model expects.
package features

// Transaction carries the raw point-of-sale fields submitted for analysis.
// It is ephemeral; only its scored projection is persisted.
type Transaction struct {
	TotalAmount float64 `json:"total_amount"`
	ItemCount   int     `json:"item_count"`
	DiscountPct float64 `json:"discount_pct"`
}

// Dim is the model's input dimension.
const Dim = 3

// Vector is a feature vector in the fixed order
// [total_amount, item_count, discount_pct].
type Vector [Dim]float64

// Build projects a transaction into its feature vector. Deterministic, no
// validation beyond numeric coercion; the transport layer validates ranges.
func Build(tx Transaction) Vector {
	return Vector{tx.TotalAmount, float64(tx.ItemCount), tx.DiscountPct}
}

// Slice returns the vector as a []float64 for model input.
func (v Vector) Slice() []float64 {
	return []float64{v[0], v[1], v[2]}
}
