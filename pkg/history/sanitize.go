package history

import "strings"

const tablePrefix = "history_"

// TableName derives the history table name for a machine id. The id is
// sanitised to a safe SQL identifier: letters and digits are lowercased and
// kept, everything else becomes an underscore. Ids that sanitise to the same
// identifier share a table.
func TableName(machineID string) string {
	var b strings.Builder
	b.Grow(len(tablePrefix) + len(machineID))
	b.WriteString(tablePrefix)

	for _, c := range machineID {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c - 'A' + 'a')
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
