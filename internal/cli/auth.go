package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"qm/internal/auth"
	"qm/internal/gapi"
)

// NewAuthCommand creates the auth command.
func NewAuthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize qm against Google",
		Long: `Print the OAuth consent URL, read the authorization code from stdin and
store the resulting token at google.token_path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			creds, err := auth.Load(cfg.Google.CredentialsPath, cfg.Google.TokenPath, gapi.Scopes...)
			if err != nil {
				return err
			}
			return runAuth(cmd.Context(), creds, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// codeExchanger is the part of auth.Credentials the consent flow needs.
type codeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) error
}

func runAuth(ctx context.Context, creds codeExchanger, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(out, "Open the following URL and grant access:\n\n  %s\n\nAuthorization code: ", creds.AuthCodeURL("qm"))

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty authorization code")
	}
	if err := creds.Exchange(ctx, code); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nToken saved.")
	return nil
}
