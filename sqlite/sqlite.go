package sqlite

import "strings"

type scannable interface {
	Scan(...any) error
}

func generateParameters(n int) string {
	if n == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("(?")
	for range n - 1 {
		sb.WriteString(",?")
	}

	sb.WriteString(")")
	return sb.String()
}

// generateValues returns rows comma-separated parameter groups of n columns each.
func generateValues(rows, n int) string {
	if rows == 0 {
		return ""
	}
	group := generateParameters(n)
	var sb strings.Builder
	sb.WriteString(group)
	for range rows - 1 {
		sb.WriteString(",")
		sb.WriteString(group)
	}
	return sb.String()
}
