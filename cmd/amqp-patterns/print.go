package main

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glimte/amqp-patterns/health"
)

func printReport(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "Broker Health: %s (%s)\n", report.Status, report.Duration.Round(time.Microsecond))
	fmt.Fprintln(w, strings.Repeat("-", 80))
	fmt.Fprintf(w, "%-30s %-10s %s\n", "Check", "Status", "Message")

	for _, c := range report.Checks {
		fmt.Fprintf(w, "%-30s %-10s %s\n", truncate(c.Name, 30), c.Status, c.Message)
		if c.Error != "" {
			fmt.Fprintf(w, "%-30s %-10s error: %s\n", "", "", c.Error)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	n := maxLen - 3
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
