package engine

import (
	"math"
	"regexp"
	"strconv"
)

// ProgressEvent is one typed observation extracted from a line of rclone
// output. It is either a GlobalProgress or an ElapsedTime.
type ProgressEvent interface {
	progressEvent()
}

// GlobalProgress is rclone's aggregate "Transferred:" stats line.
type GlobalProgress struct {
	TransferredBytes      uint64
	TotalBytes            uint64
	Percent               int
	ThroughputBytesPerSec float64
	ThroughputUnit        string
	ETA                   string
}

// ElapsedTime is rclone's "Elapsed time:" stats line, kept verbatim.
type ElapsedTime struct {
	Elapsed string
}

func (GlobalProgress) progressEvent() {}
func (ElapsedTime) progressEvent()    {}

var (
	globalProgressRE = regexp.MustCompile(
		`Transferred:\s*([\d.]+)\s*(MiB|GiB|KiB|B)\s*/\s*([\d.]+)\s*(MiB|GiB|KiB|B)` +
			`,\s*(\d+)%\s*,\s*([\d.]+)\s*(KiB|MiB|GiB|B)/s\s*,\s*ETA\s*(\S+)`)
	elapsedRE = regexp.MustCompile(`Elapsed time:\s*([0-9.hms]+)`)
)

// unitFactor maps rclone's binary size units to bytes.
var unitFactor = map[string]float64{
	"B":   1,
	"KiB": 1024,
	"MiB": 1024 * 1024,
	"GiB": 1024 * 1024 * 1024,
}

// ParseLine extracts zero, one or two events from a single output line.
// Unrecognised lines yield nothing; a matching line with a malformed number
// is skipped rather than reported.
func ParseLine(line string) []ProgressEvent {
	var events []ProgressEvent
	if m := globalProgressRE.FindStringSubmatch(line); m != nil {
		if ev, ok := parseGlobal(m); ok {
			events = append(events, ev)
		}
	}
	if m := elapsedRE.FindStringSubmatch(line); m != nil {
		events = append(events, ElapsedTime{Elapsed: m[1]})
	}
	return events
}

func parseGlobal(m []string) (GlobalProgress, bool) {
	transferred, ok := toBytes(m[1], m[2])
	if !ok {
		return GlobalProgress{}, false
	}
	total, ok := toBytes(m[3], m[4])
	if !ok {
		return GlobalProgress{}, false
	}
	pct, err := strconv.Atoi(m[5])
	if err != nil {
		return GlobalProgress{}, false
	}
	speed, err := strconv.ParseFloat(m[6], 64)
	if err != nil {
		return GlobalProgress{}, false
	}
	return GlobalProgress{
		TransferredBytes:      transferred,
		TotalBytes:            total,
		Percent:               pct,
		ThroughputBytesPerSec: speed * unitFactor[m[7]],
		ThroughputUnit:        m[7],
		ETA:                   m[8],
	}, true
}

// toBytes converts a value/unit pair, truncating toward zero. Values that
// do not fit in a uint64 are rejected.
func toBytes(value, unit string) (uint64, bool) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	b := v * unitFactor[unit]
	if b >= math.MaxUint64 {
		return 0, false
	}
	return uint64(b), true
}
