// Package cmd implements the tokenpool command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tokenpool/tokenpool/internal/config"
)

var (
	cfgFile string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by the main package with build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "tokenpool",
	Short: "Reverse proxy spreading API traffic across a pool of access tokens",
	Long: `tokenpool forwards requests to a rate-limited API (GitHub by default),
attaching one credential from a pool to each request. Credentials are paced,
picked by remaining budget and taken out of rotation when exhausted.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default $TOKENPOOL_CONFIG_FILE or %s)", config.ConfigFilePath()))
}

// configPath resolves the config file: --config, then the environment, then
// the default location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigFilePath()
}

// tokenSourceFlags are shared by every command that needs the token list.
type tokenSourceFlags struct {
	tokens     []string
	tokensFile string
}

func (f *tokenSourceFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVar(&f.tokens, "token", nil, "access token to add to the pool (repeatable)")
	fs.StringVar(&f.tokensFile, "tokens-file", "", "file with one token per line")
}

func (f *tokenSourceFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("token") {
		cfg.Pool.Tokens = append(cfg.Pool.Tokens, f.tokens...)
	}
	if fs.Changed("tokens-file") {
		cfg.Pool.TokensFile = f.tokensFile
	}
}
