package tsl

import (
	"sort"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

// Classify turns stored diff entries into notification intents. old and cur
// are the snapshot sets the entries were computed from and supply names.
func Classify(entries []models.TslDiffEntry, old, cur map[string]models.CAEntry) []models.TslChange {
	var out []models.TslChange
	for _, e := range entries {
		c := models.TslChange{
			RegNumber:   e.EntityID,
			Field:       e.Path,
			Before:      deref(e.OldValue),
			After:       deref(e.NewValue),
			FromVersion: e.FromVersion,
			ToVersion:   e.ToVersion,
		}
		if e.EntityType == models.EntityRoot {
			c.Change = models.ChangeRootChanged
			c.RegNumber = ""
			out = append(out, c)
			continue
		}

		c.Name = caName(e.EntityID, old, cur)
		switch e.Path {
		case models.PathExists:
			c.Before, c.After = "", ""
			if e.NewValue != nil {
				c.Change = models.ChangeCAAdded
				c.Added = cur[e.EntityID].CRLURLs
				c.OGRN = cur[e.EntityID].OGRN
				c.EffectiveDate = cur[e.EntityID].EffectiveDate
			} else {
				c.Change = models.ChangeCARemoved
				c.Removed = old[e.EntityID].CRLURLs
				c.OGRN = old[e.EntityID].OGRN
				c.EffectiveDate = old[e.EntityID].EffectiveDate
			}
		case "name":
			c.Change = models.ChangeNameChanged
		case "effective_date":
			c.Change = models.ChangeDateChanged
		case pathCRLURLs:
			c.Change = models.ChangeCRLURLsChanged
			c.Added, c.Removed = setDiff(decodeList(e.OldValue), decodeList(e.NewValue))
			c.Before, c.After = "", ""
		default:
			c.Change = models.ChangeFieldChanged
		}
		out = append(out, c)
	}
	return out
}

func caName(reg string, old, cur map[string]models.CAEntry) string {
	if ca, ok := cur[reg]; ok && ca.Name != "" {
		return ca.Name
	}
	return old[reg].Name
}

func setDiff(before, after []string) (added, removed []string) {
	was := make(map[string]bool, len(before))
	for _, u := range before {
		was[u] = true
	}
	is := make(map[string]bool, len(after))
	for _, u := range after {
		is[u] = true
		if !was[u] {
			added = append(added, u)
		}
	}
	for _, u := range before {
		if !is[u] {
			removed = append(removed, u)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
