package consensus

import "math"

// NamePrice computes base_cost * cost_decay_rate^(len(name)-1), rounded to
// the nearest integer, as required by spec §4.6. decayBP is the namespace's
// cost_decay_rate expressed as basis points of 1.0 (so 10000 == 1.0,
// 5000 == 0.5).
func NamePrice(ns *NamespaceRecord, name string) uint64 {
	if ns == nil || len(name) == 0 {
		return 0
	}
	decay := float64(ns.DecayBP) / 10000.0
	price := float64(ns.BaseCost) * math.Pow(decay, float64(len(name)-1))
	if price < 0 {
		return 0
	}
	return uint64(math.Round(price))
}

// namespacePriceTiers is a length-indexed, quartered-per-character schedule:
// a namespace is priced steeply the shorter it is, floored at
// namespaceFloorPrice once it's long enough that squatting stops being the
// concern. Quoted independent of lifetime, matching spec.md §4.6's "fee and
// any name price" formula family applied to the namespace itself rather
// than a name within one.
var namespacePriceTiers = []uint64{
	0,         // unused (namespace length is always >= 1)
	400000000, // 1 char
	100000000, // 2 chars
	25000000,  // 3 chars
	6250000,   // 4 chars
}

const namespaceFloorPrice = 1562500 // 5+ chars

// NamespacePrice quotes the one-time cost of preordering namespace,
// following the supplemented name_price/namespace_price read endpoints
// (SPEC_FULL.md §4): short namespace identifiers are scarce and cost more.
func NamespacePrice(namespace string) uint64 {
	n := len(namespace)
	if n <= 0 {
		return 0
	}
	if n < len(namespacePriceTiers) {
		return namespacePriceTiers[n]
	}
	return namespaceFloorPrice
}
