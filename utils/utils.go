package utils

import (
	"strconv"
	"time"
)

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// ParseUint safely parses a string to uint
func ParseUint(s string) uint {
	i, _ := strconv.ParseUint(s, 10, 32)
	return uint(i)
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d.Hours() >= 24 {
		days := int(d.Hours() / 24)
		return strconv.Itoa(days) + " days"
	} else if d.Hours() >= 1 {
		return strconv.FormatFloat(d.Hours(), 'f', 1, 64) + " hours"
	} else if d.Minutes() >= 1 {
		return strconv.FormatFloat(d.Minutes(), 'f', 1, 64) + " minutes"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 1, 64) + " seconds"
}
