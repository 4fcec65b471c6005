package coordinator

import (
	"sort"
	"strings"
)

// SingleInstanceMarker is the literal line the Advisor returns when a
// task is judged non-separable.
const SingleInstanceMarker = "SINGLE_INSTANCE_SUFFICIENT"

const (
	defaultScope    = "No specific scope"
	defaultPriority = "Medium"
)

// SubTask is one parsed `SUBTASK_<k>: ...` line.
type SubTask struct {
	Index       int
	Description string
	Scope       string
	Priority    string
}

// ParseSubTasks scans response for lines beginning "SUBTASK_<k>:" and
// splits each on " | " into description/SCOPE/PRIORITY fields. Lines
// that don't match the grammar are ignored.
// The non-separability marker, if present anywhere in the response, is
// reported via singleInstanceSufficient regardless of any SUBTASK_
// lines also present, since it is the stronger signal.
func ParseSubTasks(response string) (tasks []SubTask, singleInstanceSufficient bool) {
	if strings.Contains(response, SingleInstanceMarker) {
		return nil, true
	}

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "SUBTASK_") {
			continue
		}
		rest := line[len("SUBTASK_"):]
		colon := strings.Index(rest, ":")
		if colon < 0 {
			continue
		}
		indexStr := rest[:colon]
		index := 0
		for _, r := range indexStr {
			if r < '0' || r > '9' {
				index = -1
				break
			}
			index = index*10 + int(r-'0')
		}
		if index <= 0 {
			continue
		}

		fields := strings.Split(rest[colon+1:], "|")
		task := SubTask{Index: index, Scope: defaultScope, Priority: defaultPriority}
		task.Description = strings.TrimSpace(fields[0])
		for _, field := range fields[1:] {
			field = strings.TrimSpace(field)
			switch {
			case strings.HasPrefix(field, "SCOPE:"):
				task.Scope = strings.TrimSpace(strings.TrimPrefix(field, "SCOPE:"))
			case strings.HasPrefix(field, "PRIORITY:"):
				task.Priority = strings.TrimSpace(strings.TrimPrefix(field, "PRIORITY:"))
			}
		}
		if task.Description == "" {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Index < tasks[j].Index })
	return tasks, false
}
