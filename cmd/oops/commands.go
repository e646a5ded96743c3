package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oopsrest/oopsauth/internal/authstate"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type action func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error

// commandRuntime opens the auth core for a command and closes it afterwards.
type commandRuntime struct {
	configuration *viper.Viper
}

func (runtime *commandRuntime) run(act action) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		if err := loadDotEnv(runtime.configuration); err != nil {
			return err
		}
		cliConfig, configErr := LoadCLIConfig(runtime.configuration)
		if configErr != nil {
			return configErr
		}
		logger := zap.NewNop()
		if cliConfig.Verbose {
			developmentLogger, loggerErr := zap.NewDevelopment()
			if loggerErr != nil {
				return loggerErr
			}
			logger = developmentLogger
		}
		ctx := command.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		app, openErr := newApplication(ctx, cliConfig, logger)
		if openErr != nil {
			return openErr
		}
		actionErr := act(ctx, app, command, arguments)
		if closeErr := app.Close(); closeErr != nil && actionErr == nil {
			return closeErr
		}
		return actionErr
	}
}

type stateOutput struct {
	Initialized bool           `json:"initialized"`
	UserID      *int64         `json:"userId"`
	UserType    *identity.Kind `json:"userType"`
	Error       string         `json:"error,omitempty"`
}

func writeJSON(command *cobra.Command, value any) error {
	encoder := json.NewEncoder(command.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeState(command *cobra.Command, state authstate.State) error {
	return writeJSON(command, stateOutput{
		Initialized: state.IsInitialized,
		UserID:      state.UserID,
		UserType:    state.Kind,
		Error:       state.Error,
	})
}

// userFacing keeps the error chain while leading with the text a user should read.
func userFacing(err error) error {
	return fmt.Errorf("%s (%w)", identity.UserMessage(err), err)
}

func newWhoAmICommand(runtime *commandRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Restore the stored identity, or obtain a guest, and print it",
		Args:  cobra.NoArgs,
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			state, err := app.machine.Initialize(ctx)
			if writeErr := writeState(command, state); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return userFacing(err)
			}
			return nil
		}),
	}
}

func newLoginGuestCommand(runtime *commandRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "login-guest",
		Short: "Discard stored credentials and start over as a new guest",
		Args:  cobra.NoArgs,
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			if err := app.machine.LoginAsGuest(ctx); err != nil {
				return userFacing(err)
			}
			return writeState(command, app.machine.State())
		}),
	}
}

func newLoginOAuthCommand(runtime *commandRuntime) *cobra.Command {
	var redirectURI string
	loginCmd := &cobra.Command{
		Use:   "login-oauth <provider> <authorization-code>",
		Short: "Exchange an OAuth authorization code and sign in as that user",
		Args:  cobra.ExactArgs(2),
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			provider := strings.ToLower(arguments[0])
			if !upstream.SupportedProvider(provider) {
				return fmt.Errorf("%w: %s", identity.ErrUnsupportedProvider, provider)
			}
			if err := app.machine.CompleteOAuth(ctx, provider, arguments[1], redirectURI); err != nil {
				return userFacing(err)
			}
			return writeState(command, app.machine.State())
		}),
	}
	loginCmd.Flags().StringVar(&redirectURI, "redirect_uri", "", "Redirect URI used when the code was issued")
	return loginCmd
}

func newCheckOAuthCommand(runtime *commandRuntime) *cobra.Command {
	var redirectURI string
	checkCmd := &cobra.Command{
		Use:   "check-oauth <provider> <authorization-code>",
		Short: "Report whether an OAuth account already exists without signing in",
		Args:  cobra.ExactArgs(2),
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			provider := strings.ToLower(arguments[0])
			if !upstream.SupportedProvider(provider) {
				return fmt.Errorf("%w: %s", identity.ErrUnsupportedProvider, provider)
			}
			exists, err := app.client.CheckOAuthSignup(ctx, provider, arguments[1], redirectURI)
			if err != nil {
				return userFacing(err)
			}
			return writeJSON(command, map[string]bool{"isExists": exists})
		}),
	}
	checkCmd.Flags().StringVar(&redirectURI, "redirect_uri", "", "Redirect URI used when the code was issued")
	return checkCmd
}

func newLogoutCommand(runtime *commandRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the upstream session and continue as a new guest",
		Args:  cobra.NoArgs,
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			if err := app.machine.Logout(ctx); err != nil {
				return userFacing(err)
			}
			return writeState(command, app.machine.State())
		}),
	}
}

func newDeleteAccountCommand(runtime *commandRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-account",
		Short: "Delete the signed-in account and continue as a new guest",
		Args:  cobra.NoArgs,
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			if _, initErr := app.machine.Initialize(ctx); initErr != nil {
				return userFacing(initErr)
			}
			if err := app.machine.DeleteAccount(ctx); err != nil {
				return userFacing(err)
			}
			return writeState(command, app.machine.State())
		}),
	}
}

func newRequestCommand(runtime *commandRuntime) *cobra.Command {
	var (
		data        string
		contentType string
	)
	requestCmd := &cobra.Command{
		Use:   "request <method> <path>",
		Short: "Send an authenticated request to the upstream and print the body",
		Long:  "The path is relative to the upstream origin, e.g. /api/v1/my-info. Expired access tokens are refreshed once; a session that cannot be recovered falls back to a new guest.",
		Args:  cobra.ExactArgs(2),
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			request, buildErr := buildRequest(arguments[0], arguments[1], data, contentType)
			if buildErr != nil {
				return buildErr
			}
			response, err := app.Do(ctx, request)
			if response != nil {
				if _, writeErr := command.OutOrStdout().Write(response.Body); writeErr != nil {
					return writeErr
				}
				if len(response.Body) > 0 && !strings.HasSuffix(string(response.Body), "\n") {
					fmt.Fprintln(command.OutOrStdout())
				}
			}
			if err != nil {
				var apiError *identity.APIError
				if !authstate.IsSessionExpired(err) && errors.As(err, &apiError) {
					return fmt.Errorf("upstream responded %d: %s", apiError.Status, apiError.UserMessage())
				}
				return userFacing(err)
			}
			return nil
		}),
	}
	requestCmd.Flags().StringVar(&data, "data", "", "Request body")
	requestCmd.Flags().StringVar(&contentType, "content_type", "application/json", "Content type of --data")
	return requestCmd
}

func buildRequest(method string, rawPath string, data string, contentType string) (upstream.Request, error) {
	parsed, err := url.Parse(rawPath)
	if err != nil {
		return upstream.Request{}, fmt.Errorf("invalid path %q: %w", rawPath, err)
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return upstream.Request{}, fmt.Errorf("path %q must be relative to the upstream origin", rawPath)
	}
	request := upstream.Request{
		Method: strings.ToUpper(method),
		Path:   "/" + strings.TrimLeft(parsed.Path, "/"),
		Query:  parsed.Query(),
		Header: http.Header{},
	}
	if data != "" {
		request.Body = []byte(data)
		request.Header.Set("Content-Type", contentType)
	}
	return request, nil
}

func newPurgeCommand(runtime *commandRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete expired credential cookies from the jar",
		Args:  cobra.NoArgs,
		RunE: runtime.run(func(ctx context.Context, app *application, command *cobra.Command, arguments []string) error {
			purged, err := app.jar.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			return writeJSON(command, map[string]int64{"purged": purged})
		}),
	}
}
