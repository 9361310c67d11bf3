package pool

import (
	"sort"

	"telepool-go/internal/session"
)

// rank computes the priority-ordered list of credentials to attempt. It is a
// pure function over a snapshot of the handle table:
//
//  1. Credentials in the invalidated set are excluded outright.
//  2. Never-attempted credentials (no handle entry) come first, in registry
//     order, to spread load away from credentials that recently failed.
//  3. Previously-attempted credentials follow, oldest failure first, so every
//     credential gets a fair chance to recover once its cooldown elapses.
//     This approximates round-robin under sustained failure.
//
// Ties break on registry index, keeping the order stable.
func rank(reg *session.Registry, handles map[string]*handle, invalidated map[string]struct{}) []session.Credential {
	var fresh, retried []session.Credential

	for _, cred := range reg.All() {
		if _, dead := invalidated[cred.ID]; dead {
			continue
		}
		if _, attempted := handles[cred.ID]; attempted {
			retried = append(retried, cred)
		} else {
			fresh = append(fresh, cred)
		}
	}

	sort.SliceStable(retried, func(i, j int) bool {
		hi, hj := handles[retried[i].ID], handles[retried[j].ID]
		if !hi.failedAt.Equal(hj.failedAt) {
			return hi.failedAt.Before(hj.failedAt)
		}
		return reg.IndexOf(retried[i].ID) < reg.IndexOf(retried[j].ID)
	})

	return append(fresh, retried...)
}
