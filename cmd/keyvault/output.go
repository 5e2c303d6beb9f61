package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // table, json or raw
	outputField  string // restricts raw output to one key
)

// printResult renders a response in the selected output format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		printRaw(data)
	default:
		printTable(data)
	}
}

func printRaw(data map[string]any) {
	if outputField != "" {
		if v, ok := data[outputField]; ok {
			fmt.Println(v)
		}
		return
	}
	for _, k := range mapKeys(data) {
		fmt.Printf("%s=%v\n", k, data[k])
	}
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range mapKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, nested := range mapKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", nested, val[nested])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinValues(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinValues(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
