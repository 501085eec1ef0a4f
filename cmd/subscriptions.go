package main

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Manage alert recipients",
}

var subscriptionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Subscribe a recipient to a property's alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sub, err := subscriptionFromFlags(ctx, cmd, st)
		if err != nil {
			return err
		}
		if err := st.AddSubscription(ctx, sub); err != nil {
			return eris.Wrap(err, "subscriptions add")
		}
		fmt.Fprintf(os.Stderr, "Subscribed %s to %s.\n", sub.Recipient, sub.PropertyID)
		return nil
	},
}

var subscriptionsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Unsubscribe a recipient from a property's alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sub, err := subscriptionFromFlags(ctx, cmd, st)
		if err != nil {
			return err
		}
		removed, err := st.RemoveSubscription(ctx, sub.AccountID, sub.Recipient, sub.PropertyID)
		if err != nil {
			return eris.Wrap(err, "subscriptions remove")
		}
		if !removed {
			return eris.Errorf("no subscription for %s on %s", sub.Recipient, sub.PropertyID)
		}
		fmt.Fprintf(os.Stderr, "Unsubscribed %s from %s.\n", sub.Recipient, sub.PropertyID)
		return nil
	},
}

var subscriptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an account's subscriptions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")
		property, _ := cmd.Flags().GetString("property")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		subs, err := st.ListSubscriptions(ctx, account, property)
		if err != nil {
			return eris.Wrap(err, "subscriptions list")
		}
		if len(subs) == 0 {
			fmt.Fprintln(os.Stderr, "No subscriptions found.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), subs, func(w *tabwriter.Writer) {
			formatSubscriptions(w, subs)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{subscriptionsAddCmd, subscriptionsRemoveCmd} {
		c.Flags().String("account", "", "account ID")
		c.Flags().String("recipient", "", "recipient email address")
		c.Flags().String("property", "", "property ID (see properties list)")
		_ = c.MarkFlagRequired("account")
		_ = c.MarkFlagRequired("recipient")
		_ = c.MarkFlagRequired("property")
	}
	subscriptionsListCmd.Flags().String("account", "", "account ID")
	subscriptionsListCmd.Flags().String("property", "", "filter by property ID")
	_ = subscriptionsListCmd.MarkFlagRequired("account")

	subscriptionsCmd.AddCommand(subscriptionsAddCmd)
	subscriptionsCmd.AddCommand(subscriptionsRemoveCmd)
	subscriptionsCmd.AddCommand(subscriptionsListCmd)
	rootCmd.AddCommand(subscriptionsCmd)
}

// subscriptionFromFlags validates the recipient and checks the property
// belongs to the account.
func subscriptionFromFlags(ctx context.Context, cmd *cobra.Command, st store.PropertyStore) (model.Subscription, error) {
	account, _ := cmd.Flags().GetString("account")
	recipient, _ := cmd.Flags().GetString("recipient")
	property, _ := cmd.Flags().GetString("property")

	addr, err := normalizeRecipient(recipient)
	if err != nil {
		return model.Subscription{}, err
	}
	if _, err := st.GetProperty(ctx, account, property); err != nil {
		return model.Subscription{}, eris.Wrapf(err, "property %s", property)
	}
	return model.Subscription{AccountID: account, Recipient: addr, PropertyID: property}, nil
}

// normalizeRecipient accepts only a bare address and lowercases it.
func normalizeRecipient(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", eris.Errorf("invalid recipient %q: must be a plain email address", raw)
	}
	return strings.ToLower(addr.Address), nil
}

func formatSubscriptions(w *tabwriter.Writer, subs []model.Subscription) {
	fmt.Fprintln(w, "RECIPIENT\tPROPERTY\tCREATED")
	for _, s := range subs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Recipient, s.PropertyID, fmtTime(s.CreatedAt))
	}
}
