// Package deviceid derives and persists the stable correlation handle that
// license credentials are bound to. The id is not a secret.
package deviceid

import (
	"strconv"
	"strings"
)

// Signals are the locally observable, non-invasive inputs to the device
// fingerprint. Zero values are allowed for anything the environment cannot
// report.
type Signals struct {
	UserAgent           string
	Languages           []string
	Timezone            string
	ScreenWidth         int
	ScreenHeight        int
	HardwareConcurrency int
	Platform            string
	HostID              string
}

// IsZero reports whether no signal was collected at all.
func (s Signals) IsZero() bool {
	return s.UserAgent == "" &&
		len(s.Languages) == 0 &&
		s.Timezone == "" &&
		s.ScreenWidth == 0 &&
		s.ScreenHeight == 0 &&
		s.HardwareConcurrency == 0 &&
		s.Platform == "" &&
		s.HostID == ""
}

const (
	fieldSep = "\x1f"
	listSep  = "\x1e"
)

// canonical renders the signals in a fixed field order. Separators are ASCII
// control characters that cannot appear in the trimmed values.
func (s Signals) canonical() []byte {
	langs := make([]string, 0, len(s.Languages))
	for _, l := range s.Languages {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	fields := []string{
		"v1",
		strings.TrimSpace(s.UserAgent),
		strings.Join(langs, listSep),
		strings.TrimSpace(s.Timezone),
		strconv.Itoa(s.ScreenWidth) + "x" + strconv.Itoa(s.ScreenHeight),
		strconv.Itoa(s.HardwareConcurrency),
		strings.TrimSpace(s.Platform),
		strings.TrimSpace(s.HostID),
	}
	return []byte(strings.Join(fields, fieldSep))
}
