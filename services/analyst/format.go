// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
)

// maxDisplayRows caps terminal output; the full result is available
// through the API or with raw Cypher and a larger LIMIT.
const maxDisplayRows = 10

// FormatResult renders a query result for the terminal.
func FormatResult(result *QueryResult) string {
	var sb strings.Builder

	if result.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", result.Error)
		if result.Cypher != "" {
			fmt.Fprintf(&sb, "Cypher: %s\n", result.Cypher)
		}
		return sb.String()
	}

	if result.Explanation != "" {
		sb.WriteString(result.Explanation)
		sb.WriteString("\n")
	}
	if result.Cypher != "" {
		fmt.Fprintf(&sb, "Cypher: %s\n", result.Cypher)
	}
	sb.WriteString("\n")

	if len(result.Data) == 0 {
		sb.WriteString("No rows returned.\n")
		return sb.String()
	}

	columns := columnOrder(result.Data[0])
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(upperAll(columns), "\t"))
	shown := min(len(result.Data), maxDisplayRows)
	for _, row := range result.Data[:shown] {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = cellString(row[col])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()

	if remaining := len(result.Data) - shown; remaining > 0 {
		fmt.Fprintf(&sb, "... and %d more rows\n", remaining)
	}
	return sb.String()
}

// FormatTable renders only the result rows as a column-aligned table,
// without explanation or Cypher, and without the display cap. Scripting
// callers that want every row pipe this.
func FormatTable(result *QueryResult) string {
	if result.Error != "" {
		return fmt.Sprintf("Error: %s\n", result.Error)
	}
	if len(result.Data) == 0 {
		return "No rows returned.\n"
	}

	var sb strings.Builder
	columns := columnOrder(result.Data[0])
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(upperAll(columns), "\t"))
	for _, row := range result.Data {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = cellString(row[col])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	return sb.String()
}

// columnOrder returns the row's keys sorted for stable output; Neo4j
// result maps carry no column ordering.
func columnOrder(row map[string]any) []string {
	columns := make([]string, 0, len(row))
	for k := range row {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
