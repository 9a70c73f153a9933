package metrics

// Coalesce rolls grouped metrics up a second time.
// Besides passing every dimensioned entry through, it emits one dimension-less entry per
// metric name holding the values of every dimension variant of that name, even when no
// dimension-less sample was observed. Entries come out in the order their keys were
// first seen. The output shares no memory with the input.
func Coalesce(in []*AggregatedMetric) []ValueSet {
	idx := newOrderedIndex[*ValueSet](len(in) * 2)
	for _, e := range in {
		rollupKey := rollupIdentity(e.Name)
		if rollup, ok := idx.get(rollupKey); ok {
			rollup.Values = append(rollup.Values, e.Values...)
		} else {
			vs := e.AsValueSet()
			vs.Dimensions = nil
			idx.put(rollupKey, &vs)
		}

		uniqueKey := newIdentity(e.Name, e.Dimensions)
		if !uniqueKey.equal(rollupKey) {
			if _, ok := idx.get(uniqueKey); !ok {
				vs := e.AsValueSet()
				idx.put(uniqueKey, &vs)
			}
		}
	}

	out := make([]ValueSet, 0, idx.len())
	for _, vs := range idx.ordered() {
		out = append(out, *vs)
	}
	return out
}
