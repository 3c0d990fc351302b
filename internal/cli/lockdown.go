package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// DefaultEdgeURL is where lockdown commands reach the local edge API.
const DefaultEdgeURL = "http://localhost:8081"

// LockdownOptions holds flags for the lockdown commands.
type LockdownOptions struct {
	*RootOptions
	URL    string
	Token  string
	Reason string
}

// LockdownStatus is the edge API's lockdown view.
type LockdownStatus struct {
	LockedDown    bool      `json:"locked_down"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Score         int       `json:"score,omitempty"`
	Classes       []string  `json:"classes,omitempty"`
	Since         time.Time `json:"since,omitzero"`
	Threats       int       `json:"threats,omitempty"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// apiRefusal is an error envelope returned by the edge API.
type apiRefusal struct {
	Code    string
	Message string
}

func (r *apiRefusal) Error() string { return r.Code + ": " + r.Message }

// NewLockdownCommand creates the lockdown command group.
func NewLockdownCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LockdownOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Inspect or lift a device lockdown",
	}
	cmd.PersistentFlags().StringVar(&opts.URL, "url", DefaultEdgeURL, "edge API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token (required)")
	_ = cmd.MarkPersistentFlagRequired("token")

	cmd.AddCommand(&cobra.Command{
		Use:           "status",
		Short:         "Show the lockdown state",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockdown(cmd, opts, http.MethodGet, nil)
		},
	})

	lift := &cobra.Command{
		Use:   "lift",
		Short: "Lift the lockdown (supervisor role required)",
		Long: `Lift an active lockdown through the edge API.

The token must carry the privileged role. The lift and its reason are
recorded in the device log.

Exit codes:
  0 - Lockdown lifted
  1 - Refused by the device (missing role, no active lockdown, etc.)
  2 - Command error (device unreachable, bad flags)

Examples:
  tillguard lockdown lift --token $TOKEN --reason "false positive, reviewed CCTV"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"reason": opts.Reason})
			if err != nil {
				return err
			}
			return runLockdown(cmd, opts, http.MethodDelete, body)
		},
	}
	lift.Flags().StringVar(&opts.Reason, "reason", "", "why the lockdown is lifted (required)")
	_ = lift.MarkFlagRequired("reason")
	cmd.AddCommand(lift)

	return cmd
}

func runLockdown(cmd *cobra.Command, opts *LockdownOptions, method string, body []byte) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	status, err := callLockdown(ctx, opts.URL, opts.Token, method, body)
	if err != nil {
		if opts.Format == "json" {
			var refusal *apiRefusal
			if errors.As(err, &refusal) {
				_ = f.Error(refusal.Code, refusal.Message)
			} else {
				_ = f.Error("E_EDGE_UNAVAILABLE", err.Error())
			}
		}
		return err
	}

	if opts.Format == "json" {
		return f.Success(status)
	}
	if !status.LockedDown {
		return f.Success("No lockdown active")
	}
	return f.Success(fmt.Sprintf("LOCKDOWN active since %s: transaction %s, score %d, classes %s",
		status.Since.Format(time.RFC3339), status.TransactionID, status.Score, strings.Join(status.Classes, ",")))
}

func callLockdown(ctx context.Context, baseURL, token, method string, body []byte) (LockdownStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/v1/lockdown"
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return LockdownStatus{}, WrapExitError(ExitCommandError, "invalid edge URL", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return LockdownStatus{}, WrapExitError(ExitCommandError, "edge API unreachable", err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return LockdownStatus{}, WrapExitError(ExitCommandError,
			fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode), err)
	}
	if !env.Success {
		refusal := &apiRefusal{Code: "E_REFUSED", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		if env.Error != nil {
			refusal = &apiRefusal{Code: env.Error.Code, Message: env.Error.Message}
		}
		return LockdownStatus{}, WrapExitError(ExitFailure, "edge refused request", refusal)
	}
	var status LockdownStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return LockdownStatus{}, WrapExitError(ExitCommandError, "invalid lockdown payload", err)
	}
	return status, nil
}
