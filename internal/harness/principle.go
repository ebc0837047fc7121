package harness

import (
	"fmt"
	"maps"
	"slices"
)

// Divergence is one delivery order whose final state differs from the
// declared order's.
type Divergence struct {
	Order []int `json:"order"`
	// Field is "digest" or "group".
	Field    string `json:"field"`
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ConvergenceResult reports whether every delivery order produced the same
// inbox states and groups.
type ConvergenceResult struct {
	Orders      int          `json:"orders"`
	Converged   bool         `json:"converged"`
	Divergences []Divergence `json:"divergences,omitempty"`
	// Failures lists assertion failures by order.
	Failures []string `json:"failures,omitempty"`
}

// CheckConvergence runs a scenario in the declared order and then in each
// of the given orders, comparing the final state of every run with the
// first. With no orders it uses every rotation of the delivery list plus
// its reverse.
//
// Assertions describe final state and are checked on every run. Expect
// clauses are only checked on the declared order.
func CheckConvergence(scenario *Scenario, orders ...[]int) (*ConvergenceResult, error) {
	if len(orders) == 0 {
		orders = DefaultOrders(len(scenario.Deliver))
	}

	base, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	result := &ConvergenceResult{Orders: 1, Converged: true}
	for _, e := range base.Errors {
		result.Failures = append(result.Failures, fmt.Sprintf("declared order: %s", e))
	}

	for _, order := range orders {
		run, err := RunOrder(scenario, order)
		if err != nil {
			return nil, fmt.Errorf("order %v: %w", order, err)
		}
		result.Orders++
		for _, e := range run.Errors {
			result.Failures = append(result.Failures, fmt.Sprintf("order %v: %s", order, e))
		}
		result.Divergences = append(result.Divergences, compare(order, "digest", base.Digests, run.Digests)...)
		result.Divergences = append(result.Divergences, compare(order, "group", base.Groups, run.Groups)...)
	}
	result.Converged = len(result.Divergences) == 0 && len(result.Failures) == 0
	return result, nil
}

func compare(order []int, field string, expected, actual map[string]string) []Divergence {
	var out []Divergence
	union := maps.Clone(expected)
	if union == nil {
		union = map[string]string{}
	}
	for k := range actual {
		union[k] = ""
	}
	for _, k := range slices.Sorted(maps.Keys(union)) {
		if expected[k] != actual[k] {
			out = append(out, Divergence{
				Order:    slices.Clone(order),
				Field:    field,
				Key:      k,
				Expected: expected[k],
				Actual:   actual[k],
			})
		}
	}
	return out
}

// DefaultOrders returns the rotations of n steps other than the identity,
// followed by the reversed order.
func DefaultOrders(n int) [][]int {
	var orders [][]int
	for shift := 1; shift < n; shift++ {
		order := make([]int, n)
		for i := range order {
			order[i] = (i + shift) % n
		}
		orders = append(orders, order)
	}
	if n > 2 {
		reversed := make([]int, n)
		for i := range reversed {
			reversed[i] = n - 1 - i
		}
		orders = append(orders, reversed)
	}
	return orders
}
