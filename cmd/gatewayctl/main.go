// gatewayctl - operator CLI for the LatticeForge gateway.
//
// Administrative operations against the gateway's durable stores:
//   - DLQ inspection and requeue (dlq list, dlq requeue)
//   - Billing recovery (billing finalize, billing void)
//   - Ledger queries and credit injection (ledger balance, ledger mint)
//
// Usage:
//   gatewayctl dlq list --limit 20
//   gatewayctl dlq requeue --reservation-id 01J...
//   gatewayctl billing finalize --entry-id 01J... --operator alice
//   gatewayctl billing void --entry-id 01J... --operator alice --reason "duplicate"
//   gatewayctl ledger balance --account user:u1:available
//   gatewayctl ledger mint --user u1 --amount 10000000
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/latticeforge/gateway/billing"
	"github.com/latticeforge/gateway/dlq"
	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/ledger"
	"github.com/latticeforge/gateway/wireformat"
)

var (
	redisURL    string
	postgresURL string
	walPath     string
	verbose     bool

	log zerolog.Logger
)

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operator CLI for the LatticeForge gateway",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL (DLQ, budget)")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", envOr("DATABASE_URL", ""), "PostgreSQL URL (ledger)")
	rootCmd.PersistentFlags().StringVar(&walPath, "wal-path", envOr("GATEWAY_WAL_PATH", ""), "billing WAL file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(billingCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func openDLQ() (*dlq.Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return dlq.New(redis.NewClient(opt), log), nil
}

// openBilling replays the machine from the configured WAL with the ledger
// attached, so an operator transition posts the same ledger entry the
// gateway process would have.
func openBilling(ctx context.Context) (*billing.Machine, error) {
	if walPath == "" {
		return nil, fmt.Errorf("--wal-path (or GATEWAY_WAL_PATH) is required for billing operations")
	}
	led, err := openLedger(ctx)
	if err != nil {
		return nil, err
	}
	wal, err := billing.OpenFileWAL(walPath)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	machine := billing.New(wal, led, log)
	if err := machine.Replay(ctx); err != nil {
		return nil, fmt.Errorf("replay WAL: %w", err)
	}
	return machine, nil
}

func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if postgresURL == "" {
		return nil, fmt.Errorf("--postgres-url (or DATABASE_URL) is required for ledger operations")
	}
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	led := ledger.New(db, log)
	if err := led.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := led.LoadFromStore(ctx); err != nil {
		return nil, err
	}
	return led, nil
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled DLQ entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			store, err := openDLQ()
			if err != nil {
				return err
			}
			entries, err := store.ListScheduled(ctx, limit)
			if err != nil {
				return err
			}
			out := make([]map[string]interface{}, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]interface{}{
					"reservation_id":  e.ReservationID,
					"attempt_count":   e.AttemptCount,
					"next_attempt_at": e.NextAttemptAt,
					"reason":          e.Reason,
					"created_at":      e.CreatedAt,
				})
			}
			printJSON(out)
			return nil
		},
	}
	listCmd.Flags().Int64("limit", 50, "max entries to list")

	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Make a DLQ entry immediately eligible for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			rid, _ := cmd.Flags().GetString("reservation-id")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			store, err := openDLQ()
			if err != nil {
				return err
			}
			ok, err := store.Requeue(ctx, rid, time.Now().UTC())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no DLQ payload for reservation %s", rid)
			}
			fmt.Printf("requeued %s for immediate replay\n", rid)
			return nil
		},
	}
	requeueCmd.Flags().String("reservation-id", "", "reservation ID (required)")
	requeueCmd.MarkFlagRequired("reservation-id")

	cmd.AddCommand(listCmd, requeueCmd)
	return cmd
}

func billingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing state machine recovery",
	}

	finalizeCmd := &cobra.Command{
		Use:   "finalize",
		Short: "Manually finalize a FINALIZE_FAILED entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, _ := cmd.Flags().GetString("entry-id")
			operator, _ := cmd.Flags().GetString("operator")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			machine, err := openBilling(ctx)
			if err != nil {
				return err
			}
			entry, err := machine.ManualFinalize(ctx, entryID, operator)
			if err != nil {
				return err
			}
			printJSON(entry)
			return nil
		},
	}
	finalizeCmd.Flags().String("entry-id", "", "billing entry ID (required)")
	finalizeCmd.Flags().String("operator", "", "operator identity for the audit trail (required)")
	finalizeCmd.MarkFlagRequired("entry-id")
	finalizeCmd.MarkFlagRequired("operator")

	voidCmd := &cobra.Command{
		Use:   "void",
		Short: "Void a FINALIZE_FAILED or COMMITTED entry (reversal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, _ := cmd.Flags().GetString("entry-id")
			operator, _ := cmd.Flags().GetString("operator")
			reason, _ := cmd.Flags().GetString("reason")
			committed, _ := cmd.Flags().GetBool("committed")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			machine, err := openBilling(ctx)
			if err != nil {
				return err
			}
			var entry *billing.Entry
			if committed {
				entry, err = machine.VoidCommitted(ctx, entryID, operator, reason)
			} else {
				entry, err = machine.VoidFailed(ctx, entryID, operator, reason)
			}
			if err != nil {
				return err
			}
			printJSON(entry)
			return nil
		},
	}
	voidCmd.Flags().String("entry-id", "", "billing entry ID (required)")
	voidCmd.Flags().String("operator", "", "operator identity for the audit trail (required)")
	voidCmd.Flags().String("reason", "operator void", "reversal reason")
	voidCmd.Flags().Bool("committed", false, "void a COMMITTED entry instead of a FINALIZE_FAILED one")
	voidCmd.MarkFlagRequired("entry-id")
	voidCmd.MarkFlagRequired("operator")

	cmd.AddCommand(finalizeCmd, voidCmd)
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger queries and credit injection",
	}

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Derive one account's balance, or all balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, _ := cmd.Flags().GetString("account")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			led, err := openLedger(ctx)
			if err != nil {
				return err
			}
			if account != "" {
				printJSON(map[string]interface{}{
					"account":       account,
					"balance_micro": led.DeriveBalance(account),
				})
				return nil
			}
			printJSON(led.DeriveAllBalances())
			return nil
		},
	}
	balanceCmd.Flags().String("account", "", "account key (empty for all)")

	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Credit a user's available balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			amount, _ := cmd.Flags().GetInt64("amount")
			if amount <= 0 {
				return fmt.Errorf("--amount must be a positive micro-USD integer")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			led, err := openLedger(ctx)
			if err != nil {
				return err
			}
			entryID := ids.New()
			entry, err := led.AppendEntry(ctx, entryID, "mint", "gatewayctl", ledger.Mint(user, wireformat.MicroUSD(amount)), nil)
			if err != nil {
				return err
			}
			printJSON(entry)
			return nil
		},
	}
	mintCmd.Flags().String("user", "", "user ID (required)")
	mintCmd.Flags().Int64("amount", 0, "amount in micro-USD (required)")
	mintCmd.MarkFlagRequired("user")
	mintCmd.MarkFlagRequired("amount")

	cmd.AddCommand(balanceCmd, mintCmd)
	return cmd
}
