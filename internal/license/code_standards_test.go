package license

// Code standards tests: these act as linter rules that run in CI.
// They scan source files for hardcoded term lengths.

import (
	"os"
	"regexp"
	"strings"
	"testing"
)

// TestNoHardcodedTermDurations ensures no file in the license package
// hardcodes the 30-day month or a day-based duration instead of using the
// licensing constants.
func TestNoHardcodedTermDurations(t *testing.T) {
	entries, err := os.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read license directory: %v", err)
	}

	// Match "30 * 24 * time.Hour", "720 * time.Hour" or "24 * time.Hour".
	hardcoded := regexp.MustCompile(`(?:30\s*\*\s*24\s*\*\s*time\.Hour|720\s*\*\s*time\.Hour|24\s*\*\s*time\.Hour)`)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}

		data, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		content := string(data)

		for _, m := range hardcoded.FindAllStringIndex(content, -1) {
			line := 1 + strings.Count(content[:m[0]], "\n")
			t.Errorf("%s:%d: hardcoded term duration; use licensing.MonthDuration or licensing.DefaultTrialDuration", name, line)
		}
	}
}
