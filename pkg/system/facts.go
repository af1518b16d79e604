package system

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HostFacts describes the managed host.
type HostFacts struct {
	Hostname       string      `json:"hostname" yaml:"hostname"`
	OS             OSFacts     `json:"os" yaml:"os"`
	Kernel         string      `json:"kernel" yaml:"kernel"`
	Arch           string      `json:"arch" yaml:"arch"`
	CPU            CPUFacts    `json:"cpu" yaml:"cpu"`
	Memory         MemoryFacts `json:"memory" yaml:"memory"`
	PackageManager string      `json:"package_manager" yaml:"package_manager"`
	CollectedAt    time.Time   `json:"collected_at" yaml:"collected_at"`
}

// OSFacts contains OS information from os-release.
type OSFacts struct {
	Name    string `json:"name" yaml:"name"`
	ID      string `json:"id" yaml:"id"`
	Family  string `json:"family" yaml:"family"`
	Version string `json:"version" yaml:"version"`
}

// CPUFacts contains CPU information.
type CPUFacts struct {
	Model  string `json:"model" yaml:"model"`
	Vendor string `json:"vendor" yaml:"vendor"`
	Count  int    `json:"count" yaml:"count"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb" yaml:"total_mb"`
	AvailableMB int64 `json:"available_mb" yaml:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb" yaml:"swap_total_mb"`
}

// Flatten returns the facts as dotted attribute paths under "host.".
func (f *HostFacts) Flatten() map[string]string {
	return map[string]string{
		"host.hostname":        f.Hostname,
		"host.os.name":         f.OS.Name,
		"host.os.id":           f.OS.ID,
		"host.os.family":       f.OS.Family,
		"host.os.version":      f.OS.Version,
		"host.kernel":          f.Kernel,
		"host.arch":            f.Arch,
		"host.cpu.model":       f.CPU.Model,
		"host.cpu.count":       strconv.Itoa(f.CPU.Count),
		"host.memory.total_mb": strconv.FormatInt(f.Memory.TotalMB, 10),
		"host.package_manager": f.PackageManager,
	}
}

// Map returns the facts as nested maps for template data (.host.os.family).
func (f *HostFacts) Map() map[string]any {
	return map[string]any{
		"hostname": f.Hostname,
		"os": map[string]any{
			"name":    f.OS.Name,
			"id":      f.OS.ID,
			"family":  f.OS.Family,
			"version": f.OS.Version,
		},
		"kernel": f.Kernel,
		"arch":   f.Arch,
		"cpu": map[string]any{
			"model":  f.CPU.Model,
			"vendor": f.CPU.Vendor,
			"count":  f.CPU.Count,
		},
		"memory": map[string]any{
			"total_mb":      f.Memory.TotalMB,
			"available_mb":  f.Memory.AvailableMB,
			"swap_total_mb": f.Memory.SwapTotalMB,
		},
		"package_manager": f.PackageManager,
	}
}

// FactsCollector gathers HostFacts from the filesystem and a few commands.
type FactsCollector struct {
	fs     FileSystem
	runner CommandRunner
	logger zerolog.Logger
}

// NewFactsCollector creates a new facts collector.
func NewFactsCollector(fs FileSystem, runner CommandRunner, logger zerolog.Logger) *FactsCollector {
	return &FactsCollector{
		fs:     fs,
		runner: runner,
		logger: logger.With().Str("component", "facts").Logger(),
	}
}

// Collect gathers facts. Individual collectors that fail are logged and left
// empty; only a cancelled context is an error.
func (c *FactsCollector) Collect(ctx context.Context) (*HostFacts, error) {
	start := time.Now()
	facts := &HostFacts{Arch: runtime.GOARCH}

	collectors := []struct {
		name string
		fn   func(context.Context, *HostFacts) error
	}{
		{"os", c.collectOS},
		{"uname", c.collectUname},
		{"cpu", c.collectCPU},
		{"memory", c.collectMemory},
		{"package_manager", c.collectPackageManager},
	}

	for _, p := range collectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.fn(ctx, facts); err != nil {
			c.logger.Warn().Err(err).Str("fact", p.name).Msg("Failed to collect fact")
		}
	}

	facts.CollectedAt = time.Now()
	c.logger.Debug().
		Str("os", facts.OS.ID).
		Str("family", facts.OS.Family).
		Dur("duration", time.Since(start)).
		Msg("Facts collection completed")

	return facts, nil
}

func (c *FactsCollector) collectOS(_ context.Context, facts *HostFacts) error {
	var data []byte
	var err error
	for _, path := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		if data, err = c.fs.ReadFile(path); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to read os-release: %w", err)
	}

	release := ParseOSRelease(string(data))
	facts.OS = OSFacts{
		Name:    release["NAME"],
		ID:      release["ID"],
		Version: release["VERSION_ID"],
		Family:  osFamily(release["ID"], release["ID_LIKE"]),
	}
	return nil
}

func (c *FactsCollector) collectUname(ctx context.Context, facts *HostFacts) error {
	if res, err := c.runner.Run(ctx, Command{Name: "uname", Args: []string{"-r"}}); err == nil && res.Success() {
		facts.Kernel = strings.TrimSpace(res.Stdout)
	}
	if res, err := c.runner.Run(ctx, Command{Name: "uname", Args: []string{"-m"}}); err == nil && res.Success() {
		facts.Arch = strings.TrimSpace(res.Stdout)
	}

	if data, err := c.fs.ReadFile("/etc/hostname"); err == nil {
		facts.Hostname = strings.TrimSpace(string(data))
	}
	if facts.Hostname == "" {
		res, err := c.runner.Run(ctx, Command{Name: "hostname"})
		if err != nil {
			return err
		}
		facts.Hostname = strings.TrimSpace(res.Stdout)
	}
	return nil
}

func (c *FactsCollector) collectCPU(_ context.Context, facts *HostFacts) error {
	data, err := c.fs.ReadFile("/proc/cpuinfo")
	if err != nil {
		facts.CPU.Count = runtime.NumCPU()
		return fmt.Errorf("failed to read /proc/cpuinfo: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "processor":
			facts.CPU.Count++
		case "model name":
			facts.CPU.Model = strings.TrimSpace(value)
		case "vendor_id":
			facts.CPU.Vendor = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *FactsCollector) collectMemory(_ context.Context, facts *HostFacts) error {
	data, err := c.fs.ReadFile("/proc/meminfo")
	if err != nil {
		return fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, _ := strconv.ParseInt(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			facts.Memory.TotalMB = value / 1024
		case "MemAvailable:":
			facts.Memory.AvailableMB = value / 1024
		case "SwapTotal:":
			facts.Memory.SwapTotalMB = value / 1024
		}
	}
	return nil
}

func (c *FactsCollector) collectPackageManager(_ context.Context, facts *HostFacts) error {
	facts.PackageManager = DetectPackageManager(c.fs)
	if facts.PackageManager == "" {
		return fmt.Errorf("no supported package manager found")
	}
	return nil
}

// DetectPackageManager returns the first of dnf, yum, apt or zypper found
// under /usr/bin, or "".
func DetectPackageManager(fs FileSystem) string {
	for _, mgr := range []struct{ name, bin string }{
		{"dnf", "/usr/bin/dnf"},
		{"yum", "/usr/bin/yum"},
		{"apt", "/usr/bin/apt-get"},
		{"zypper", "/usr/bin/zypper"},
	} {
		if info, err := fs.Lstat(mgr.bin); err == nil && info != nil {
			return mgr.name
		}
	}
	return ""
}

// ParseOSRelease parses KEY=value lines, unquoting values.
func ParseOSRelease(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"'`)
	}
	return out
}

func osFamily(id, idLike string) string {
	candidates := append([]string{id}, strings.Fields(idLike)...)
	for _, c := range candidates {
		switch c {
		case "rhel", "fedora", "centos", "rocky", "almalinux", "amzn":
			return "rhel"
		case "debian", "ubuntu":
			return "debian"
		case "suse", "opensuse", "sles":
			return "suse"
		case "arch":
			return "arch"
		}
	}
	return id
}
