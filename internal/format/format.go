// Package format renders sizes, durations and readings for recommendation
// text and log output.
package format

import (
	"fmt"
	"time"
)

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
	pib = tib * 1024
)

// Bytes formats a byte count with one decimal place using binary units.
// Thresholds: <1 KiB → B, <1 MiB → KiB, and so on up to PiB.
func Bytes(n int64) string {
	switch {
	case n < 0:
		return "-" + Bytes(-n)
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.1f KiB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	case n < tib:
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	case n < pib:
		return fmt.Sprintf("%.1f TiB", float64(n)/tib)
	default:
		return fmt.Sprintf("%.1f PiB", float64(n)/pib)
	}
}

// Duration formats d for humans. Below one second it is shown in
// milliseconds, below one minute in seconds with two decimals, and above
// that as whole minutes and seconds.
func Duration(d time.Duration) string {
	switch {
	case d < 0:
		return "---"
	case d < time.Second:
		return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.2f s", d.Seconds())
	default:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%02ds", int(d/time.Minute), int((d%time.Minute)/time.Second))
	}
}

// Percent formats a percentage with one decimal place.
// Example: 34.5 → "34.5%".
func Percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

// Celsius formats a temperature reading with one decimal place.
func Celsius(c float64) string {
	return fmt.Sprintf("%.1f°C", c)
}
