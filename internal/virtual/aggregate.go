package virtual

import (
	"math"
	"strconv"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
)

// Aggregate applies fn to the eligibility-filtered, mapped input values
// per spec.md §4.I step 3's table. dt guards which functions apply to
// which datatypes, per the same table.
func Aggregate(fn AggregateFunc, dt homie.Datatype, inputs []homie.Value) homie.Value {
	vals := make([]homie.Value, 0, len(inputs))
	for _, v := range inputs {
		if !v.IsEmpty() {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return homie.Empty()
	}

	switch fn {
	case AggEqual:
		first := vals[0]
		for _, v := range vals[1:] {
			if !v.Equal(first) {
				return homie.Empty()
			}
		}
		return first

	case AggOr, AggAnd, AggNor, AggNand:
		if dt != homie.DatatypeBool {
			return homie.Empty()
		}
		bools := make([]bool, 0, len(vals))
		for _, v := range vals {
			b, ok := v.Bool()
			if !ok {
				return homie.Empty()
			}
			bools = append(bools, b)
		}
		var result bool
		switch fn {
		case AggOr, AggNor:
			for _, b := range bools {
				if b {
					result = true
					break
				}
			}
		case AggAnd, AggNand:
			result = true
			for _, b := range bools {
				if !b {
					result = false
					break
				}
			}
		}
		if fn == AggNor || fn == AggNand {
			result = !result
		}
		return homie.NewBool(result)

	case AggAvg, AggAvgCeil:
		if dt != homie.DatatypeInteger && dt != homie.DatatypeFloat {
			return homie.Empty()
		}
		sum := 0.0
		for _, v := range vals {
			f, ok := v.Float()
			if !ok {
				return homie.Empty()
			}
			sum += f
		}
		mean := sum / float64(len(vals))
		if dt == homie.DatatypeFloat {
			if fn == AggAvgCeil {
				return homie.NewFloat(math.Ceil(mean))
			}
			return homie.NewFloat(mean)
		}
		if fn == AggAvgCeil {
			return homie.NewInt(int64(math.Ceil(mean)))
		}
		return homie.NewInt(int64(math.Round(mean)))

	case AggMax, AggMin:
		if dt != homie.DatatypeInteger && dt != homie.DatatypeFloat {
			return homie.Empty()
		}
		best, ok := vals[0].Float()
		if !ok {
			return homie.Empty()
		}
		for _, v := range vals[1:] {
			f, ok := v.Float()
			if !ok {
				return homie.Empty()
			}
			if (fn == AggMax && f > best) || (fn == AggMin && f < best) {
				best = f
			}
		}
		if dt == homie.DatatypeFloat {
			return homie.NewFloat(best)
		}
		return homie.NewInt(int64(best))

	default:
		return homie.Empty()
	}
}

// parseFloatSafe is a small helper kept alongside Aggregate for
// mapping-table outputs that need numeric coercion before publish.
func parseFloatSafe(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
