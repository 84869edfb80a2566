package detector

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Match is one process whose image name matched a NameDetector.
type Match struct {
	PID       int
	StartUnix int64 // 0 when the start time could not be read
}

// NameDetector finds processes by executable image name (e.g. "AfterFX.exe").
// Comparison is case-insensitive; a name given without extension also matches
// the ".exe" image on Windows.
type NameDetector struct {
	Name string
}

// Find returns all running processes matching d.Name ordered oldest first.
func (d NameDetector) Find(ctx context.Context) ([]Match, error) {
	want := normalizeImage(d.Name)
	if want == "" {
		return nil, errors.New("name detector requires a process name")
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, 1)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// process exited between listing and inspection, or access denied
			continue
		}
		if normalizeImage(name) != want {
			continue
		}
		pid := int(p.Pid)
		out = append(out, Match{PID: pid, StartUnix: getProcStartUnix(pid)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartUnix != out[j].StartUnix {
			return out[i].StartUnix < out[j].StartUnix
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

// Newest returns the most recently started matching process.
func (d NameDetector) Newest(ctx context.Context) (Match, bool, error) {
	ms, err := d.Find(ctx)
	if err != nil || len(ms) == 0 {
		return Match{}, false, err
	}
	return ms[len(ms)-1], true, nil
}

func (d NameDetector) Alive() (bool, error) {
	_, ok, err := d.Newest(context.Background())
	return ok, err
}

func (d NameDetector) Describe() string { return "name:" + d.Name }

func normalizeImage(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ToLower(filepath.Base(s))
	return strings.TrimSuffix(s, ".exe")
}
