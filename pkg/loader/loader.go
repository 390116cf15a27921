// Package loader registers operator-enabled integrations found in a
// marketplace directory. Each integration is loaded independently: one that
// fails to import or register is logged and left out while the rest load.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"unicode"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
)

// Entrypoint registers one integration's tools on the shared server.
type Entrypoint func(srv *capability.Server) error

// Importer turns an integration file into its registration entrypoint. A nil
// entrypoint with a nil error means the file exposes nothing to register.
type Importer func(fsys fs.FS, name string) (Entrypoint, error)

// ErrNoEntrypoint is recorded for integrations that expose no entrypoint.
var ErrNoEntrypoint = errors.New("loader: no registration entrypoint")

// Loader scans Dir in FS for files ending in Ext.
type Loader struct {
	FS     fs.FS
	Dir    string
	Ext    string
	Import Importer
	Logger *slog.Logger
	// Metrics records one load result per attempted integration. Optional.
	Metrics *metrics.Metrics
}

// Report summarizes one Load pass. Names are normalized integration names.
type Report struct {
	Loaded  []string
	Failed  map[string]error
	Skipped []string
	Missing []string
}

// Normalize strips whitespace and path separators and case-folds name.
func Normalize(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '/' || r == '\\' {
			return -1
		}
		return unicode.ToLower(r)
	}, name)
}

// ParseEnabled builds the allow-set from a comma-separated list. An empty
// list enables nothing.
func ParseEnabled(csv string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(csv, ",") {
		if n := Normalize(part); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Load imports and registers every enabled candidate. Only a failure to read
// Dir itself is returned as an error. Registrations are not rolled back, so
// an entrypoint that can fail should validate before its first AddTool;
// otherwise a Failed integration may leave the tools it already added.
func (l *Loader) Load(srv *capability.Server, enabled map[string]struct{}) (Report, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report := Report{Failed: make(map[string]error)}
	if l.FS == nil || l.Import == nil {
		return report, fmt.Errorf("loader: filesystem and importer are required")
	}
	dir := l.Dir
	if dir == "" {
		dir = "."
	}

	entries, err := fs.ReadDir(l.FS, dir)
	if err != nil {
		return report, fmt.Errorf("loader: read %s: %w", dir, err)
	}

	found := make(map[string]struct{})
	for _, entry := range entries {
		base := entry.Name()
		if entry.IsDir() || strings.HasPrefix(base, "_") || !strings.HasSuffix(base, l.Ext) {
			continue
		}
		stem := Normalize(strings.TrimSuffix(base, l.Ext))
		if stem == "" {
			continue
		}
		found[stem] = struct{}{}
		if _, ok := enabled[stem]; !ok {
			report.Skipped = append(report.Skipped, stem)
			continue
		}
		if err := l.loadOne(srv, path.Join(dir, base)); err != nil {
			logger.Error("failed to load integration", "integration", stem, "file", base, "error", err)
			report.Failed[stem] = err
			l.Metrics.IntegrationLoaded(stem, "failed")
			continue
		}
		logger.Info("loaded integration", "integration", stem)
		report.Loaded = append(report.Loaded, stem)
		l.Metrics.IntegrationLoaded(stem, "loaded")
	}

	for name := range enabled {
		if _, ok := found[name]; !ok {
			report.Missing = append(report.Missing, name)
		}
	}
	slices.Sort(report.Missing)
	if len(report.Missing) > 0 {
		logger.Warn("enabled integrations not found", "integrations", report.Missing, "dir", dir)
	}
	return report, nil
}

func (l *Loader) loadOne(srv *capability.Server, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader: panic while loading %s: %v", name, r)
		}
	}()
	entry, err := l.Import(l.FS, name)
	if err != nil {
		return fmt.Errorf("loader: import %s: %w", name, err)
	}
	if entry == nil {
		return ErrNoEntrypoint
	}
	if err := entry(srv); err != nil {
		return fmt.Errorf("loader: register %s: %w", name, err)
	}
	return nil
}
