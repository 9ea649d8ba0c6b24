// Package commands implements the usdstake command line.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/usdstake/internal/client"
	"github.com/moltbunker/usdstake/internal/config"
)

// Global CLI flags
var (
	// ConfigPath is the YAML config file
	ConfigPath string

	// APIEndpoint overrides the API base URL derived from the config
	APIEndpoint string

	// OutputFormat controls output format: "" (text) or "json"
	OutputFormat string

	// Timeout bounds each remote call
	Timeout time.Duration
)

// AddGlobalFlags registers the persistent flags on root.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&ConfigPath, "config", config.DefaultConfigPath(), "Path to config file")
	root.PersistentFlags().StringVar(&APIEndpoint, "api", "", "API base URL (default: from config api.listen_addr)")
	root.PersistentFlags().StringVarP(&OutputFormat, "output", "o", "", "Output format: text or json")
	root.PersistentFlags().DurationVar(&Timeout, "timeout", 30*time.Second, "Timeout for API calls")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", ConfigPath, err)
	}
	return cfg, nil
}

// GetAPIEndpoint returns the API endpoint from flag, config, or default.
func GetAPIEndpoint() string {
	if APIEndpoint != "" {
		return APIEndpoint
	}
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	addr := cfg.API.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

func newClient() *client.Client {
	return client.New(GetAPIEndpoint())
}

// printResult writes v as indented JSON when -o json is set, otherwise
// calls text.
func printResult(w io.Writer, v any, text func(io.Writer)) error {
	if OutputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// parseAmount accepts a base-10 wei amount ("1500000000000000000") or an
// ether amount with an "eth" suffix ("1.5eth").
func parseAmount(s string) (string, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if v, ok := strings.CutSuffix(s, "eth"); ok {
		r, ok := new(big.Rat).SetString(strings.TrimSpace(v))
		if !ok || r.Sign() < 0 {
			return "", fmt.Errorf("invalid ether amount %q", s)
		}
		r.Mul(r, new(big.Rat).SetInt(weiPerEther))
		if !r.IsInt() {
			return "", fmt.Errorf("ether amount %q has more than 18 decimals", s)
		}
		return r.Num().String(), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("invalid wei amount %q", s)
	}
	return v.String(), nil
}

// formatUnits renders amount / 10^decimals with trailing zeros removed.
func formatUnits(amount string, decimals uint8) string {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	s := new(big.Rat).SetFrac(v, scale).FloatString(int(decimals))
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
