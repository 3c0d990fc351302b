package cli

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/security"
)

// replayPageSize is how many records edge replay reads per page.
const replayPageSize = 500

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	TransactionID string // optional - specific transaction only
}

// ReplayTransaction is the rebuilt state of one transaction.
type ReplayTransaction struct {
	TransactionID  string `json:"transaction_id"`
	Phase          string `json:"phase"`
	Items          int    `json:"items"`
	ExpectedGrams  int64  `json:"expected_grams"`
	WeightVerified bool   `json:"weight_verified"`
	Locked         bool   `json:"locked"`
	LockReason     string `json:"lock_reason,omitempty"`
	Abandoned      bool   `json:"abandoned,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Events        int                 `json:"events"`
	ChainValid    bool                `json:"chain_valid"`
	Transactions  []ReplayTransaction `json:"transactions"`
	Deterministic bool                `json:"deterministic"`
}

// NewReplayCommand creates the edge replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild transaction state from the device log",
		Long: `Replay the device log and report every transaction's rebuilt state.

The log is read in chain order, its hash chain is checked, and transaction
state is rebuilt twice to verify the rebuild is deterministic.

Exit codes:
  0 - Chain intact and replay deterministic
  1 - Chain broken or replay differed between runs
  2 - Command error (database not found, etc.)

Examples:
  tillguard edge replay --config edge.yaml
  tillguard edge replay --tx tx-42 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TransactionID, "tx", "", "replay specific transaction only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	return withEdgeLog(cmd, opts.RootOptions, func(ctx context.Context, s *edgeStack) error {
		events, err := readAll(ctx, s.log)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read edge log", err)
		}
		result := replayEvents(events, opts.TransactionID)
		if opts.Format == "json" {
			return outputReplayJSON(cmd, result)
		}
		return outputReplayText(cmd, result, opts.Verbose)
	})
}

// readAll pages through the whole log in sequence order.
func readAll(ctx context.Context, log *edgelog.Log) ([]event.Event, error) {
	var (
		events []event.Event
		after  int64
	)
	for {
		page, err := log.Events(ctx, after, replayPageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			events = append(events, r.Event)
			after = r.Seq
		}
		if len(page) < replayPageSize {
			return events, nil
		}
	}
}

// replayEvents rebuilds transaction state twice and compares the runs.
func replayEvents(events []event.Event, txID string) ReplayResult {
	first := security.Replay(events)
	second := security.Replay(events)

	result := ReplayResult{
		Events:        len(events),
		ChainValid:    edgelog.VerifyChain(events).Valid,
		Transactions:  []ReplayTransaction{},
		Deterministic: reflect.DeepEqual(first, second),
	}

	ids := make([]string, 0, len(first))
	for id := range first {
		if txID == "" || id == txID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		st := first[id]
		result.Transactions = append(result.Transactions, ReplayTransaction{
			TransactionID:  id,
			Phase:          string(st.Phase),
			Items:          len(st.Items),
			ExpectedGrams:  st.ExpectedGrams,
			WeightVerified: st.WeightVerified,
			Locked:         st.Locked,
			LockReason:     st.LockReason,
			Abandoned:      st.Abandoned,
		})
	}
	return result
}

func (r ReplayResult) ok() bool { return r.ChainValid && r.Deterministic }

func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	var code, msg string
	switch {
	case !result.ChainValid:
		code, msg = "E_CHAIN_BROKEN", "hash chain verification failed"
	case !result.Deterministic:
		code, msg = "E_DETERMINISM", "replay differed between runs"
	}
	f := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
	if err := f.Report(result, code, msg); err != nil {
		return err
	}
	return replayExit(result)
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d event(s), %d transaction(s)\n", result.Events, len(result.Transactions))
	fmt.Fprintln(w)

	for _, tx := range result.Transactions {
		status := "✓"
		if tx.Locked || tx.Abandoned {
			status = "!"
		}
		fmt.Fprintf(w, "%s %s: %s, %d item(s)\n", status, tx.TransactionID, tx.Phase, tx.Items)
		if verbose {
			fmt.Fprintf(w, "    expected grams: %d, weight verified: %t\n", tx.ExpectedGrams, tx.WeightVerified)
			if tx.Locked {
				fmt.Fprintf(w, "    locked: %s\n", tx.LockReason)
			}
		}
	}

	fmt.Fprintln(w)
	if result.ChainValid {
		fmt.Fprintln(w, "✓ hash chain intact")
	} else {
		fmt.Fprintln(w, "✗ hash chain broken")
	}
	if result.Deterministic {
		fmt.Fprintln(w, "✓ replay deterministic")
	} else {
		fmt.Fprintln(w, "✗ replay differed between runs")
	}
	return replayExit(result)
}

func replayExit(result ReplayResult) error {
	if !result.ok() {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}
