// Package cmd implements the beaconproof command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/config"
	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile  string
	logLevel string
	verbose  bool

	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "beaconproof",
	Short: "Verify validator inclusion against EIP-4788 beacon roots",
	Long: `beaconproof checks that a validator record is included under a beacon
block root and that the root matches the one the execution layer's beacon
roots contract holds for that block.

Run it as a service with "serve", or check a single validator with "verify".`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRoot,
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./beaconproof.yaml or ~/.config/beaconproof/beaconproof.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// setDefaults registers configuration defaults on the global viper
// instance that flag bindings read from.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initRoot(cmd *cobra.Command, args []string) error {
	observability.InitCLILogger("beaconproof", verbose || strings.EqualFold(logLevel, "debug"))
	config.SetConfigFile(cfgFile)

	id := config.DefaultIdentity
	appIdentity = &id
	return nil
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set during startup, or nil.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			observability.CLILogger.Error(exitErr.Message, zap.Error(exitErr.Err))
			return exitErr.Code
		}
		observability.CLILogger.Error("Command failed", zap.Error(err))
		return 1
	}
	return 0
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// loadConfig loads configuration with every explicitly set flag bound on
// the global viper instance applied as an override.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	for key, flagName := range boundFlags {
		f := cmd.Flags().Lookup(flagName)
		if f == nil {
			f = cmd.InheritedFlags().Lookup(flagName)
		}
		if f != nil && f.Changed {
			overrides[key] = viper.Get(key)
		}
	}
	return config.Load(ctx, nestOverrides(overrides))
}

// boundFlags maps config keys to the flag names bound to them.
var boundFlags = map[string]string{
	"logging.level": "log-level",
}

func bindFlag(cmd *cobra.Command, key, flagName string) {
	_ = viper.BindPFlag(key, cmd.Flags().Lookup(flagName))
	boundFlags[key] = flagName
}

// nestOverrides turns dotted keys into the nested maps config.Load takes.
func nestOverrides(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, val := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = val
	}
	return out
}
