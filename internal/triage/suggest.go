package triage

// Candidate is an existing task the judge named as similar, with its current group.
type Candidate struct {
	TaskID  string
	GroupID *string
}

// SuggestionTarget is the single candidate a suggestion points at.
// Exactly one of TaskID or GroupID is set.
type SuggestionTarget struct {
	TaskID  *string
	GroupID *string
}

// PlanSuggestions turns the surviving candidates into suggestion targets.
//
// Grouped candidates collapse to one target per distinct group, ungrouped ones
// yield one target per task. The new task itself, and any group it already
// belongs to, are never targeted. Order follows the first occurrence in candidates.
func PlanSuggestions(newTaskID string, newTaskGroup *string, candidates []Candidate) []SuggestionTarget {
	seenGroups := make(map[string]struct{})
	seenTasks := make(map[string]struct{})
	if newTaskGroup != nil {
		seenGroups[*newTaskGroup] = struct{}{}
	}

	var out []SuggestionTarget
	for _, c := range candidates {
		if c.TaskID == newTaskID {
			continue
		}
		if c.GroupID != nil {
			if _, ok := seenGroups[*c.GroupID]; ok {
				continue
			}
			seenGroups[*c.GroupID] = struct{}{}
			g := *c.GroupID
			out = append(out, SuggestionTarget{GroupID: &g})
			continue
		}
		if _, ok := seenTasks[c.TaskID]; ok {
			continue
		}
		seenTasks[c.TaskID] = struct{}{}
		id := c.TaskID
		out = append(out, SuggestionTarget{TaskID: &id})
	}
	return out
}

// Truncate returns the first n characters of s.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
