package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/oopsrest/oopsauth/internal/credentials"
	"github.com/oopsrest/oopsauth/internal/refresh"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingCredentialsURL  = "config.missing_credentials_url"
	configCodeMissingUpstreamBaseURL = "config.missing_upstream_base_url"
	configCodeInvalidUpstreamTimeout = "config.invalid_upstream_timeout"
	configCodeInvalidExpiryPolicy    = "config.invalid_expiry_policy"
	configCodeDotEnv                 = "config.dotenv"
)

// CLIConfig is the validated configuration shared by every oops command.
type CLIConfig struct {
	CredentialsURL string
	Upstream       upstream.Config
	Policy         credentials.ExpiryPolicy
	RefreshGrace   time.Duration
	Verbose        bool
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func defaultCredentialsURL() string {
	configDir, err := os.UserConfigDir()
	if err != nil || configDir == "" {
		return "sqlite://oops-credentials.db"
	}
	return "sqlite://" + filepath.ToSlash(filepath.Join(configDir, "oops", "credentials.db"))
}

func newRootCommand() *cobra.Command {
	configuration := viper.New()
	configuration.SetEnvPrefix("OOPS")
	configuration.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:          "oops",
		Short:        "Command-line client keeping an oops identity in a durable credential jar",
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.String("env_file", ".env", "Optional dotenv file loaded before reading OOPS_* variables")
	flags.String("credentials_url", defaultCredentialsURL(), "Credential jar database (sqlite:// or postgres://)")
	flags.String("upstream_base_url", "", "Upstream API origin, e.g. https://api.oops.rest")
	flags.Duration("upstream_timeout", upstream.DefaultTimeout, "Timeout for every upstream call")
	flags.Duration("access_ttl", credentials.DefaultExpiryPolicy().AccessTTL, "Lifetime of the stored user access token")
	flags.Duration("refresh_ttl", credentials.DefaultExpiryPolicy().RefreshTTL, "Lifetime of the stored refresh token")
	flags.Duration("refresh_grace", refresh.DefaultGraceWindow, "Window in which a consumed refresh token reuses its rotation result; negative disables")
	flags.Bool("verbose", false, "Log auth lifecycle events to stderr")
	_ = configuration.BindPFlags(flags)

	runtime := &commandRuntime{configuration: configuration}

	rootCmd.AddCommand(
		newWhoAmICommand(runtime),
		newLoginGuestCommand(runtime),
		newLoginOAuthCommand(runtime),
		newCheckOAuthCommand(runtime),
		newLogoutCommand(runtime),
		newDeleteAccountCommand(runtime),
		newRequestCommand(runtime),
		newPurgeCommand(runtime),
	)
	return rootCmd
}

func loadDotEnv(configuration *viper.Viper) error {
	envFile := configuration.GetString("env_file")
	if strings.TrimSpace(envFile) == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return configError(configCodeDotEnv, err.Error())
	}
	return nil
}

// LoadCLIConfig reads and validates the command configuration.
func LoadCLIConfig(configuration *viper.Viper) (CLIConfig, error) {
	credentialsURL := strings.TrimSpace(configuration.GetString("credentials_url"))
	if credentialsURL == "" {
		return CLIConfig{}, configError(configCodeMissingCredentialsURL, "credentials_url must be provided")
	}
	baseURL := configuration.GetString("upstream_base_url")
	if strings.TrimSpace(baseURL) == "" {
		return CLIConfig{}, configError(configCodeMissingUpstreamBaseURL, "upstream_base_url must be provided")
	}
	timeout := configuration.GetDuration("upstream_timeout")
	if timeout <= 0 {
		return CLIConfig{}, configError(configCodeInvalidUpstreamTimeout, "upstream_timeout must be greater than zero")
	}
	policy := credentials.DefaultExpiryPolicy()
	policy.AccessTTL = configuration.GetDuration("access_ttl")
	policy.RefreshTTL = configuration.GetDuration("refresh_ttl")
	if err := policy.Validate(); err != nil {
		return CLIConfig{}, configError(configCodeInvalidExpiryPolicy, "access_ttl and refresh_ttl must be positive and refresh_ttl must be longer")
	}
	return CLIConfig{
		CredentialsURL: credentialsURL,
		Upstream: upstream.Config{
			BaseURL: baseURL,
			Timeout: timeout,
		},
		Policy:       policy,
		RefreshGrace: configuration.GetDuration("refresh_grace"),
		Verbose:      configuration.GetBool("verbose"),
	}, nil
}
