package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultVenvDirName     = ".venv"
	defaultPackageName     = "mechpy"
	defaultMinPythonMajor  = 3
	defaultMinPythonMinor  = 9
	defaultDocsURL         = "https://docs.robostudio.dev/setup/python"
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// VenvDirName is the fixed-name virtual environment directory under the
	// workspace root.
	VenvDirName string
	// PackageName is the toolchain package installed into the venv and invoked
	// as a Python module.
	PackageName string
	// MinPythonMajor/MinPythonMinor gate interpreter adequacy.
	MinPythonMajor int
	MinPythonMinor int
	// DocsURL is offered when remediation guidance is surfaced.
	DocsURL string
	// OfferAutoSync controls the on-open prompt to run the default sync sequence.
	OfferAutoSync bool
	// LogMaxSizeBytes/LogMaxFiles bound the persistent log sink.
	LogMaxSizeBytes int64
	LogMaxFiles     int
}

type fileConfig struct {
	VenvDirName   *string `toml:"venv_dir"`
	PackageName   *string `toml:"package"`
	MinPython     *string `toml:"min_python"`
	DocsURL       *string `toml:"docs_url"`
	OfferAutoSync *bool   `toml:"offer_auto_sync"`
	LogMaxSizeMB  *int    `toml:"log_max_size_mb"`
	LogMaxFiles   *int    `toml:"log_max_files"`
}

// Load reads config from ~/.rsx/config.toml and overlays a workspace-local
// .rsx/config.toml when workspaceRoot is non-empty.
func Load(ctx context.Context, workspaceRoot string) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	paths := []string{filepath.Join(homeDir, ".rsx", "config.toml")}
	if strings.TrimSpace(workspaceRoot) != "" {
		paths = append(paths, filepath.Join(workspaceRoot, ".rsx", "config.toml"))
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Marker is the project-descriptor substring identifying a managed project.
func (c *Config) Marker() string {
	return fmt.Sprintf("[tool.%s]", c.PackageName)
}

func defaults() Config {
	return Config{
		VenvDirName:     defaultVenvDirName,
		PackageName:     defaultPackageName,
		MinPythonMajor:  defaultMinPythonMajor,
		MinPythonMinor:  defaultMinPythonMinor,
		DocsURL:         defaultDocsURL,
		OfferAutoSync:   true,
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if decoded.VenvDirName != nil {
		if trimmed := strings.TrimSpace(*decoded.VenvDirName); trimmed != "" {
			cfg.VenvDirName = trimmed
		}
	}
	if decoded.PackageName != nil {
		if trimmed := strings.TrimSpace(*decoded.PackageName); trimmed != "" {
			cfg.PackageName = trimmed
		}
	}
	if decoded.MinPython != nil {
		major, minor, err := parseMinPython(*decoded.MinPython, path)
		if err != nil {
			return err
		}
		cfg.MinPythonMajor = major
		cfg.MinPythonMinor = minor
	}
	if decoded.DocsURL != nil {
		if trimmed := strings.TrimSpace(*decoded.DocsURL); trimmed != "" {
			cfg.DocsURL = trimmed
		}
	}
	if decoded.OfferAutoSync != nil {
		cfg.OfferAutoSync = *decoded.OfferAutoSync
	}
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("log_max_size_mb in %q must be positive", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("log_max_files in %q must be positive", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}

	return nil
}

func parseMinPython(value, path string) (int, int, error) {
	matches := versionPattern.FindStringSubmatch(strings.TrimSpace(value))
	if matches == nil {
		return 0, 0, fmt.Errorf("parse min_python in %q: want \"major.minor\", got %q", path, value)
	}
	major, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parse min_python major in %q: %w", path, err)
	}
	minor, err := strconv.Atoi(matches[2])
	if err != nil {
		return 0, 0, fmt.Errorf("parse min_python minor in %q: %w", path, err)
	}
	return major, minor, nil
}

func (c *Config) validate() error {
	if strings.ContainsAny(c.VenvDirName, `/\`) {
		return fmt.Errorf("venv_dir %q must be a bare directory name", c.VenvDirName)
	}
	if strings.TrimSpace(c.PackageName) == "" {
		return errors.New("package name must not be empty")
	}
	if c.MinPythonMajor <= 0 {
		return fmt.Errorf("minimum python major version %d must be positive", c.MinPythonMajor)
	}
	return nil
}
