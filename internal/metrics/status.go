package metrics

import "sort"

// Bucket is one row of a failure breakdown.
type Bucket struct {
	Reason string
	Label  string
	Count  int
}

// FlattenBreakdown converts a reason->count map into rows sorted by
// descending count, then by reason for stability.
func FlattenBreakdown(breakdown map[string]int) []Bucket {
	if len(breakdown) == 0 {
		return nil
	}
	rows := make([]Bucket, 0, len(breakdown))
	for reason, count := range breakdown {
		rows = append(rows, Bucket{Reason: reason, Label: FriendlyReason(reason), Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			return rows[i].Reason < rows[j].Reason
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
