package wspool

import "fmt"

// PartitionSymbols splits the symbol universe into per-master slices of
// at most capacity symbols each. When that yields more groups than the
// configured master count, the groups are rebalanced to exactly masters
// groups whose sizes differ by at most one. Fewer symbols than one full
// group yields fewer groups than masters; the pool sizes its master
// fleet from the result.
//
// Losing a symbol here would silently blind the venue for that contract,
// so coverage is re-checked on every call and a shortfall panics.
func PartitionSymbols(symbols []string, masters, capacity int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = len(symbols)
	}

	var groups [][]string
	for start := 0; start < len(symbols); start += capacity {
		end := start + capacity
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, symbols[start:end:end])
	}

	if masters > 0 && len(groups) > masters {
		groups = rebalance(symbols, masters)
	}

	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total != len(symbols) {
		panic(fmt.Sprintf("wspool: partition covered %d of %d symbols", total, len(symbols)))
	}
	return groups
}

// rebalance cuts the symbols into exactly count groups using average
// size plus a remainder spread over the leading groups, so sizes differ
// by at most one and every symbol lands in exactly one group.
func rebalance(symbols []string, count int) [][]string {
	avg := len(symbols) / count
	rem := len(symbols) % count

	groups := make([][]string, 0, count)
	start := 0
	for i := 0; i < count; i++ {
		size := avg
		if i < rem {
			size++
		}
		end := start + size
		groups = append(groups, symbols[start:end:end])
		start = end
	}
	return groups
}
