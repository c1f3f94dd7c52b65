package reconcile

import (
	"slices"

	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/store"
)

// Plan lists the mutations that bring the persisted table in line with upstream.
type Plan struct {
	// Activate holds ids that are new or currently inactive.
	Activate []snowflake.ID
	// Deactivate holds active ids upstream no longer reports.
	Deactivate []snowflake.ID
}

// Diff compares the fetched ids against the persisted rows. Both inputs must be
// sorted ascending by id.
func Diff(fetched []snowflake.ID, persisted []store.Membership) Plan {
	var plan Plan
	for _, id := range fetched {
		i, found := slices.BinarySearchFunc(persisted, id, func(m store.Membership, id snowflake.ID) int {
			return snowflake.Compare(m.GroupID, id)
		})
		if !found || !persisted[i].Active {
			plan.Activate = append(plan.Activate, id)
		}
	}
	for _, m := range persisted {
		if !m.Active {
			continue
		}
		if _, found := slices.BinarySearchFunc(fetched, m.GroupID, snowflake.Compare); !found {
			plan.Deactivate = append(plan.Deactivate, m.GroupID)
		}
	}
	return plan
}
