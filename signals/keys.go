package signals

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MaxCandidates bounds the discovery key set.
const MaxCandidates = 20000

// ParseKeyRanges parses entries like "100", "250-300" into a sorted, de-duplicated
// key list.
func ParseKeyRanges(specs []string) ([]int, error) {
	seen := make(map[int]bool)
	var keys []int
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		lo, hi, err := parseRange(spec)
		if err != nil {
			return nil, err
		}
		if len(seen)+(hi-lo+1) > MaxCandidates {
			return nil, fmt.Errorf("key ranges cover more than %d keys", MaxCandidates)
		}
		for k := lo; k <= hi; k++ {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func parseRange(spec string) (int, int, error) {
	start, end, isRange := strings.Cut(spec, "-")
	lo, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid key range %q: %w", spec, err)
	}
	hi := lo
	if isRange {
		hi, err = strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid key range %q: %w", spec, err)
		}
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("invalid key range %q", spec)
	}
	return lo, hi, nil
}
