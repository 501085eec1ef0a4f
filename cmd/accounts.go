package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/sells-group/gsc-radar/internal/model"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage monitored accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		accts, err := st.ListAccounts(ctx)
		if err != nil {
			return eris.Wrap(err, "accounts list")
		}
		if len(accts) == 0 {
			fmt.Fprintln(os.Stderr, "No accounts found.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), accts, func(w *tabwriter.Writer) {
			formatAccounts(w, accts)
		})
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an account with a stored Google OAuth token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		email, _ := cmd.Flags().GetString("email")
		tokenFile, _ := cmd.Flags().GetString("token-file")

		raw, err := readToken(tokenFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := st.CreateAccount(ctx, strings.ToLower(strings.TrimSpace(email)))
		if err != nil {
			return eris.Wrap(err, "accounts add")
		}
		if err := st.SaveToken(ctx, acct.ID, raw); err != nil {
			return eris.Wrap(err, "accounts add: save token")
		}
		fmt.Fprintln(cmd.OutOrStdout(), acct.ID)
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().String("email", "", "account owner email")
	accountsAddCmd.Flags().String("token-file", "", "path to a Google OAuth token JSON file")
	_ = accountsAddCmd.MarkFlagRequired("email")
	_ = accountsAddCmd.MarkFlagRequired("token-file")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	rootCmd.AddCommand(accountsCmd)
}

// readToken loads an OAuth token file and checks it can refresh.
func readToken(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read token file")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, eris.Wrap(err, "parse token file")
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, eris.New("token file has neither access_token nor refresh_token")
	}
	return raw, nil
}

func formatAccounts(w *tabwriter.Writer, accts []model.Account) {
	fmt.Fprintln(w, "ID\tEMAIL\tINITIALIZED\tCREATED")
	for _, a := range accts {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", a.ID, a.Email, a.DataInitialized, fmtTime(a.CreatedAt))
	}
}
