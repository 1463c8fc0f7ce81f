package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke and delete the API keys the proxy accepts.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var in service.CreateKeyInput
	var tier string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for an account. The plaintext key is shown once and cannot be retrieved again.",
		Example: `  nyati key create --owner acct_42 --label "CI pipeline"
  nyati key create --owner acct_42 --target https://api.example.com/v1
  nyati key create --owner demo --tier test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Tier = model.Tier(tier)
			return runKeyCreate(in)
		},
	}

	cmd.Flags().StringVar(&in.OwnerID, "owner", "", "Account the key belongs to (required)")
	cmd.Flags().StringVar(&in.Label, "label", "", "Human-readable label for the key")
	cmd.Flags().StringVar(&in.TargetURL, "target", "", "Upstream URL requests are forwarded to (empty for ping mode)")
	cmd.Flags().StringVar(&tier, "tier", string(model.TierFree), "Key tier: test, free or paid")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyCreate(in service.CreateKeyInput) error {
	_, store, err := loadAndOpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	key, plaintext, err := service.NewKeyService(store).Create(context.Background(), in)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", plaintext)
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Owner:  %s\n", key.OwnerID)
	fmt.Printf("  Tier:   %s\n", key.Tier)
	if key.TargetURL != "" {
		fmt.Printf("  Target: %s\n", key.TargetURL)
	}
	if key.Label != "" {
		fmt.Printf("  Label:  %s\n", key.Label)
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list keys of this account")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(owner string, jsonOutput bool) error {
	_, store, err := loadAndOpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := service.NewKeyService(store).List(context.Background(), owner)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys configured. Use 'nyati key create' to create one.")
		return nil
	}

	fmt.Printf("%-36s %-12s %-16s %-6s %-8s %s\n", "ID", "HINT", "OWNER", "TIER", "ACTIVE", "TARGET")
	fmt.Printf("%-36s %-12s %-16s %-6s %-8s %s\n", "--", "----", "-----", "----", "------", "------")
	for _, k := range keys {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		target := k.TargetURL
		if target == "" {
			target = "(ping)"
		}
		fmt.Printf("%-36s %-12s %-16s %-6s %-8s %s\n", k.ID, k.Hint, k.OwnerID, k.Tier, active, target)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id|hint>",
		Short: "Revoke an API key",
		Long: `Deactivate an API key. Proxies that validated the key within the cache
TTL keep accepting it until their cache entry expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKey(args[0], func(ctx context.Context, svc *service.KeyService, key *model.APIKey) error {
				if err := svc.Revoke(ctx, key.ID); err != nil {
					return fmt.Errorf("revoke api key: %w", err)
				}
				fmt.Printf("Revoked API key %s (%s)\n", key.ID, key.Hint)
				return nil
			})
		},
	}
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|hint>",
		Short: "Permanently delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKey(args[0], func(ctx context.Context, svc *service.KeyService, key *model.APIKey) error {
				if err := svc.Delete(ctx, key.ID); err != nil {
					return fmt.Errorf("delete api key: %w", err)
				}
				fmt.Printf("Deleted API key %s (%s)\n", key.ID, key.Hint)
				return nil
			})
		},
	}
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "usage <id|hint>",
		Short: "Show recent requests made with an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadAndOpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			key, err := findKey(ctx, service.NewKeyService(store), args[0])
			if err != nil {
				return err
			}
			recs, err := store.ListUsage(ctx, key.ID, limit)
			if err != nil {
				return fmt.Errorf("list usage: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(recs) == 0 {
				fmt.Printf("No usage recorded for %s.\n", key.Hint)
				return nil
			}
			fmt.Printf("%-20s %-8s %-6s %-14s %s\n", "TIME", "ENDPOINT", "STATUS", "VALIDATION_MS", "FORWARD_MS")
			for _, r := range recs {
				fmt.Printf("%-20s %-8s %-6d %-14.3f %.3f\n",
					r.CreatedAt.UTC().Format("2006-01-02 15:04:05"), r.Endpoint, r.Status, r.ValidationMs, r.ForwardMs)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of records to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// withKey opens the store, resolves ref and runs fn.
func withKey(ref string, fn func(context.Context, *service.KeyService, *model.APIKey) error) error {
	_, store, err := loadAndOpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	svc := service.NewKeyService(store)
	key, err := findKey(ctx, svc, ref)
	if err != nil {
		return err
	}
	return fn(ctx, svc, key)
}

// findKey matches ref against key IDs first and hints second. A hint shared
// by several keys is rejected as ambiguous.
func findKey(ctx context.Context, svc *service.KeyService, ref string) (*model.APIKey, error) {
	if key, err := svc.Get(ctx, ref); err == nil {
		return key, nil
	}

	keys, err := svc.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	var matches []*model.APIKey
	for i := range keys {
		if keys[i].Hint == ref {
			matches = append(matches, &keys[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no API key found with id or hint %q", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("hint %q matches %d keys; use the key ID", ref, len(matches))
	}
}
