package deviceid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gohost "github.com/shirou/gopsutil/v4/host"
)

// Source collects the signals for the current device.
type Source interface {
	Collect(ctx context.Context) (Signals, error)
}

// StaticSource returns signals supplied by an embedding UI.
type StaticSource struct {
	Signals Signals
}

func (s StaticSource) Collect(context.Context) (Signals, error) {
	return s.Signals, nil
}

var (
	hostInfo  = gohost.InfoWithContext
	cpuCounts = gocpu.CountsWithContext
	getenv    = os.Getenv
)

// HostSource reads signals from the operating system.
type HostSource struct {
	// Version is embedded in the synthesized user agent.
	Version string
}

// Collect gathers what it can. Partial results are returned alongside the
// joined error of every failed probe.
func (s HostSource) Collect(ctx context.Context) (Signals, error) {
	var errs []error
	sig := Signals{
		UserAgent: userAgent(s.Version),
		Languages: languages(),
		Timezone:  timezone(),
	}

	info, err := hostInfo(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else if info != nil {
		sig.HostID = info.HostID
		sig.Platform = strings.TrimSpace(info.OS + " " + info.Platform + " " + info.PlatformVersion)
	}
	if sig.Platform == "" {
		sig.Platform = runtime.GOOS
	}

	if n, err := cpuCounts(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
		sig.HardwareConcurrency = runtime.NumCPU()
	} else {
		sig.HardwareConcurrency = n
	}

	return sig, errors.Join(errs...)
}

func userAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("shopcalc/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

func languages() []string {
	var out []string
	seen := map[string]bool{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, l := range strings.Split(getenv("LANGUAGE"), ":") {
		add(l)
	}
	add(getenv("LC_ALL"))
	add(getenv("LANG"))
	return out
}

func timezone() string {
	if tz := strings.TrimSpace(getenv("TZ")); tz != "" {
		return tz
	}
	name := time.Local.String()
	if name != "" && name != "Local" {
		return name
	}
	zone, offset := time.Now().Zone()
	return fmt.Sprintf("%s%+d", zone, offset)
}
