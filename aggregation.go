package eogconv

import (
	. "github.com/gomlx/exceptions"
)

// Aggregation is the reduction applied when combining the endpoint features of
// the edges incident to a node.
type Aggregation int

const (
	// AggregationSum adds up the incident endpoint features. The default.
	AggregationSum Aggregation = iota

	// AggregationMean divides each edge's neighbor sum by the number of *other*
	// edges incident to the endpoint, clamped to a minimum of 1 -- matching the
	// self-exclusion applied to the sums themselves.
	AggregationMean
)

// AggregationFromName converts the strings "sum" or "mean" to the
// corresponding Aggregation. It panics on any other value.
func AggregationFromName(name string) Aggregation {
	switch name {
	case "sum":
		return AggregationSum
	case "mean":
		return AggregationMean
	}
	Panicf("eogconv: invalid aggregation %q given, valid values are \"sum\" and \"mean\"", name)
	return AggregationSum
}

// String implements fmt.Stringer.
func (a Aggregation) String() string {
	switch a {
	case AggregationSum:
		return "sum"
	case AggregationMean:
		return "mean"
	}
	return "invalid"
}

func (a Aggregation) isValid() bool {
	return a == AggregationSum || a == AggregationMean
}
