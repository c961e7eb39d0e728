// internal/config/config.go
//
// This package handles configuration and the .srdesk directory structure.
// Every project driven by srdesk gets a .srdesk/ folder in its root holding
// the config file, the run log, the candidate archive and worker files.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/srdesk/internal/supervisor"
)

const (
	// WorkspaceDir is the name of the directory we create in each project
	WorkspaceDir = ".srdesk"

	// IDPlaceholder is replaced by the worker id in file patterns.
	IDPlaceholder = "{id}"

	DefaultAPIHost = "127.0.0.1"
	DefaultAPIPort = 8766
)

const defaultProjectConfigYAML = `# srdesk project configuration
version: 1

# Search executable. Bare names are looked up on PATH, relative paths are
# resolved against the project directory.
executable: ecf

# Number of concurrent workers. 0 means one per CPU; larger values are clamped.
workers: 0

# Per-worker files, relative to .srdesk/. {id} is replaced by the worker id.
files:
  parameters: work/parameters_{id}.txt
  results: work/best_{id}.txt
  logs: work/log_{id}.txt

timing:
  refresh: 1s
  pause_poll: 200ms
  grace: 500ms
  # minimum spacing between respawns; 0 disables pacing
  respawn: 200ms

output_tail: 50
watch: true
clean_stale: true

archive:
  enabled: true
  path: state/archive

api:
  enabled: false
  host: 127.0.0.1
  port: 8766

scoring:
  metric: mse
  # dataset: data/test.txt
`

// FilesConfig holds the per-worker path patterns.
type FilesConfig struct {
	Parameters string `yaml:"parameters" validate:"required"`
	Results    string `yaml:"results" validate:"required"`
	Logs       string `yaml:"logs"`
}

// TimingConfig holds the supervisor timings.
type TimingConfig struct {
	Refresh   time.Duration `yaml:"refresh" validate:"gt=0"`
	PausePoll time.Duration `yaml:"pause_poll" validate:"gt=0"`
	Grace     time.Duration `yaml:"grace" validate:"gt=0"`
	Respawn   time.Duration `yaml:"respawn" validate:"gte=0"`
}

// ArchiveConfig controls the candidate archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// APIConfig controls the status API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host" validate:"required"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// ScoringConfig selects how frontiers are re-scored.
type ScoringConfig struct {
	Metric  string `yaml:"metric" validate:"oneof=mse mae mape"`
	Dataset string `yaml:"dataset,omitempty"`
}

// ProjectConfig models .srdesk/config.yaml.
type ProjectConfig struct {
	Version    int           `yaml:"version" validate:"min=1"`
	Executable string        `yaml:"executable" validate:"required"`
	Workers    int           `yaml:"workers" validate:"min=0"`
	Files      FilesConfig   `yaml:"files"`
	Timing     TimingConfig  `yaml:"timing"`
	OutputTail int           `yaml:"output_tail" validate:"min=0"`
	Watch      bool          `yaml:"watch"`
	CleanStale bool          `yaml:"clean_stale"`
	Archive    ArchiveConfig `yaml:"archive"`
	API        APIConfig     `yaml:"api"`
	Scoring    ScoringConfig `yaml:"scoring"`
}

// Config holds the runtime configuration for srdesk.
type Config struct {
	// ProjectDir is the directory srdesk was started from
	ProjectDir string

	// WorkspaceDir is ProjectDir/.srdesk
	WorkspaceDir string

	Project ProjectConfig
}

// InitWorkspace creates the .srdesk directory structure in projectDir.
//
// Structure created:
// .srdesk/
// ├── config.yaml
// ├── logs/     <- srdesk.log
// ├── state/    <- candidate archive
// └── work/     <- per-worker parameters, results and logs
func InitWorkspace(projectDir string) error {
	root := filepath.Join(projectDir, WorkspaceDir)
	for _, dir := range []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
		filepath.Join(root, "work"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// Load reads .srdesk/config.yaml (defaults when absent) and applies
// environment overrides.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:   abs,
		WorkspaceDir: filepath.Join(abs, WorkspaceDir),
		Project:      defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.WorkspaceDir, "logs")
}

// LogPath returns the srdesk run log.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "srdesk.log")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.WorkspaceDir, "state")
}

// ArchiveDir returns the Badger directory for the candidate archive.
func (c *Config) ArchiveDir() string {
	return resolvePath(c.WorkspaceDir, c.Project.Archive.Path)
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.WorkspaceDir, "config.yaml")
}

// Workers returns the effective worker count.
func (c *Config) Workers() int {
	return clampWorkers(c.Project.Workers)
}

// ProcessConfigs expands the file patterns into one launch descriptor per
// worker, ids starting at 0.
func (c *Config) ProcessConfigs() []supervisor.ProcessConfig {
	n := c.Workers()
	out := make([]supervisor.ProcessConfig, n)
	for id := 0; id < n; id++ {
		out[id] = supervisor.ProcessConfig{
			ID:         id,
			Executable: c.Project.Executable,
			Parameters: c.expand(c.Project.Files.Parameters, id),
			Results:    c.expand(c.Project.Files.Results, id),
			Log:        c.expand(c.Project.Files.Logs, id),
			Dir:        c.ProjectDir,
		}
	}
	return out
}

// SupervisorOptions converts the timing section into supervisor options.
func (c *Config) SupervisorOptions() []supervisor.Option {
	t := c.Project.Timing
	return []supervisor.Option{
		supervisor.WithRefreshInterval(t.Refresh),
		supervisor.WithPausePoll(t.PausePoll),
		supervisor.WithGracePeriod(t.Grace),
		supervisor.WithRespawnInterval(t.Respawn),
		supervisor.WithOutputTail(c.Project.OutputTail),
	}
}

// SetWorkers updates the worker count and persists it to config.yaml.
func (c *Config) SetWorkers(n int) error {
	if n < 0 {
		return fmt.Errorf("config: workers must be >= 0")
	}
	c.Project.Workers = n
	return c.saveProjectConfig()
}

// OverrideWorkers changes the worker count for this process only and
// re-validates the project config against it.
func (c *Config) OverrideWorkers(n int) error {
	if n < 0 {
		return fmt.Errorf("config: workers must be >= 0")
	}
	prev := c.Project.Workers
	c.Project.Workers = n
	if err := c.Project.validate(); err != nil {
		c.Project.Workers = prev
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SetExecutable updates the search executable and persists it to config.yaml.
func (c *Config) SetExecutable(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config: executable must not be empty")
	}
	c.Project.Executable = path
	return c.saveProjectConfig()
}

func (c *Config) expand(pattern string, id int) string {
	if strings.TrimSpace(pattern) == "" {
		return ""
	}
	return resolvePath(c.WorkspaceDir, strings.ReplaceAll(pattern, IDPlaceholder, strconv.Itoa(id)))
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("config: read %s: %w", path, err)
	default:
		parsed := defaultProjectConfig()
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		c.Project = parsed
	}

	c.Project.applyEnvOverrides()
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:    1,
		Executable: "ecf",
		Files: FilesConfig{
			Parameters: "work/parameters_{id}.txt",
			Results:    "work/best_{id}.txt",
			Logs:       "work/log_{id}.txt",
		},
		Timing: TimingConfig{
			Refresh:   supervisor.DefaultRefreshInterval,
			PausePoll: supervisor.DefaultPausePoll,
			Grace:     supervisor.DefaultGracePeriod,
			Respawn:   supervisor.DefaultRespawnInterval,
		},
		OutputTail: supervisor.DefaultOutputTail,
		Watch:      true,
		CleanStale: true,
		Archive:    ArchiveConfig{Enabled: true, Path: "state/archive"},
		API:        APIConfig{Host: DefaultAPIHost, Port: DefaultAPIPort},
		Scoring:    ScoringConfig{Metric: "mse"},
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("SRDESK_EXECUTABLE")); value != "" {
		pc.Executable = value
	}
	if value := strings.TrimSpace(os.Getenv("SRDESK_WORKERS")); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			pc.Workers = n
		}
	}
	if value := strings.TrimSpace(os.Getenv("SRDESK_API_ENABLED")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			pc.API.Enabled = enabled
		}
	}
	if value := strings.TrimSpace(os.Getenv("SRDESK_API_HOST")); value != "" {
		pc.API.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("SRDESK_API_PORT")); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			pc.API.Port = port
		}
	}
}

func (pc *ProjectConfig) applyDefaults() {
	defaults := defaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Timing.Refresh == 0 {
		pc.Timing.Refresh = defaults.Timing.Refresh
	}
	if pc.Timing.PausePoll == 0 {
		pc.Timing.PausePoll = defaults.Timing.PausePoll
	}
	if pc.Timing.Grace == 0 {
		pc.Timing.Grace = defaults.Timing.Grace
	}
	if strings.TrimSpace(pc.API.Host) == "" {
		pc.API.Host = DefaultAPIHost
	}
	if pc.API.Port == 0 {
		pc.API.Port = DefaultAPIPort
	}
	if strings.TrimSpace(pc.Scoring.Metric) == "" {
		pc.Scoring.Metric = defaults.Scoring.Metric
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Executable = strings.TrimSpace(pc.Executable)
	// bare command names stay as-is for PATH lookup
	if strings.ContainsRune(pc.Executable, os.PathSeparator) || strings.HasPrefix(pc.Executable, ".") {
		pc.Executable = resolvePath(base, pc.Executable)
	}
	pc.Files.Parameters = strings.TrimSpace(pc.Files.Parameters)
	pc.Files.Results = strings.TrimSpace(pc.Files.Results)
	pc.Files.Logs = strings.TrimSpace(pc.Files.Logs)
	pc.Scoring.Metric = strings.ToLower(strings.TrimSpace(pc.Scoring.Metric))
	pc.Scoring.Dataset = resolvePath(base, pc.Scoring.Dataset)
	pc.API.Host = strings.TrimSpace(pc.API.Host)
}

func (pc *ProjectConfig) validate() error {
	if err := validator.New().Struct(pc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, "; "))
		}
		return err
	}
	if clampWorkers(pc.Workers) > 1 && !strings.Contains(pc.Files.Results, IDPlaceholder) {
		return fmt.Errorf("files.results must contain %s when running more than one worker", IDPlaceholder)
	}
	return nil
}

func clampWorkers(n int) int {
	cpus := runtime.NumCPU()
	if n <= 0 || n > cpus {
		return cpus
	}
	return n
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.WorkspaceDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure workspace dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
