package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/subledger-engine/internal/ledger"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/reconcile"
)

// rootConfig holds the persistent flags shared by every command.
type rootConfig struct {
	server  string
	account string
	timeout time.Duration
	asJSON  bool
	out     io.Writer
}

func (rc *rootConfig) client() *apiClient {
	return newAPIClient(rc.server, rc.timeout)
}

func (rc *rootConfig) query() url.Values {
	q := url.Values{}
	if rc.account != "" {
		q.Set("account", rc.account)
	}
	return q
}

func (rc *rootConfig) printJSON(v any) error {
	enc := json.NewEncoder(rc.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	rc := &rootConfig{out: out}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and reconcile sub-ledgers on a running engine",
		SilenceUsage:  true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVarP(&rc.server, "server", "s", "http://localhost:8080", "engine base URL")
	cmd.PersistentFlags().StringVarP(&rc.account, "account", "a", "", "venue account (all accounts when empty)")
	cmd.PersistentFlags().DurationVar(&rc.timeout, "timeout", 15*time.Second, "HTTP timeout")
	cmd.PersistentFlags().BoolVar(&rc.asJSON, "json", false, "print raw JSON")

	cmd.AddCommand(
		newStateCmd(rc),
		newSubLedgersCmd(rc),
		newConsistencyCmd(rc),
		newReconcileCmd(rc),
		newFillsCmd(rc),
	)
	return cmd
}

func newStateCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print sub-ledgers, external positions and consistency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st ledger.State
			if err := rc.client().do(cmd.Context(), http.MethodGet, "/state", rc.query(), nil, &st); err != nil {
				return err
			}
			if rc.asJSON {
				return rc.printJSON(st)
			}
			writeSubLedgers(rc.out, views(st.SubLedgers))
			fmt.Fprintln(rc.out)
			writeConsistency(rc.out, st.Consistency)
			return nil
		},
	}
}

func newSubLedgersCmd(rc *rootConfig) *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:     "subledgers",
		Aliases: []string{"sl"},
		Short:   "List sub-ledgers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := rc.query()
			if symbol != "" {
				q.Set("symbol", strings.ToUpper(symbol))
			}
			var sls []model.SubLedger
			if err := rc.client().do(cmd.Context(), http.MethodGet, "/sub-ledgers", q, nil, &sls); err != nil {
				return err
			}
			if rc.asJSON {
				return rc.printJSON(sls)
			}
			writeSubLedgers(rc.out, sls)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	return cmd
}

func newConsistencyCmd(rc *rootConfig) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "consistency",
		Short: "Show consistency statuses; --check recomputes them first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			method, path := http.MethodGet, "/consistency"
			if check {
				method, path = http.MethodPost, "/consistency/check"
			}
			var statuses []model.ConsistencyStatus
			if err := rc.client().do(cmd.Context(), method, path, rc.query(), nil, &statuses); err != nil {
				return err
			}
			if rc.asJSON {
				return rc.printJSON(statuses)
			}
			writeConsistency(rc.out, statuses)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "run a consistency check before printing")
	return cmd
}

func newReconcileCmd(rc *rootConfig) *cobra.Command {
	var (
		symbol  string
		side    string
		assigns []string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Redistribute the external position across sub-ledgers",
		Long: `Reconcile sets the listed sub-ledgers to the given quantities at the
venue's average entry. Other sub-ledgers of the key are flattened and any
remainder goes to the UNASSIGNED-<side> sub-ledger.

Example:
  ledgerctl reconcile -a main --symbol BTCUSDT --side LONG \
    --assign 6f1c...=1.5 --assign 9ab2...=0.25`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := reconcile.Request{
				AccountID: rc.account,
				Symbol:    strings.ToUpper(symbol),
				Side:      model.PositionSide(strings.ToUpper(side)),
			}
			for _, a := range assigns {
				assignment, err := parseAssignment(a)
				if err != nil {
					return err
				}
				req.Assignments = append(req.Assignments, assignment)
			}

			var updated []model.SubLedger
			if err := rc.client().do(cmd.Context(), http.MethodPost, "/reconcile", nil, req, &updated); err != nil {
				return err
			}
			if rc.asJSON {
				return rc.printJSON(updated)
			}
			writeSubLedgers(rc.out, updated)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to reconcile (required)")
	cmd.Flags().StringVar(&side, "side", "", "position side, LONG or SHORT (required)")
	cmd.Flags().StringArrayVar(&assigns, "assign", nil, "sub-ledger assignment as <id>=<qty>, repeatable")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("side")
	return cmd
}

func newFillsCmd(rc *rootConfig) *cobra.Command {
	var (
		unattributed bool
		subLedger    string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "fills",
		Short: "List journaled fills",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := rc.query()
			if unattributed {
				q.Set("unattributed", "true")
			}
			if subLedger != "" {
				q.Set("sub_ledger", subLedger)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			var fills []model.Fill
			if err := rc.client().do(cmd.Context(), http.MethodGet, "/fills", q, nil, &fills); err != nil {
				return err
			}
			if rc.asJSON {
				return rc.printJSON(fills)
			}
			writeFills(rc.out, fills)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unattributed, "unattributed", false, "only fills no sub-ledger absorbed")
	cmd.Flags().StringVar(&subLedger, "sub-ledger", "", "filter by sub-ledger id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum fills to list")
	return cmd
}

// parseAssignment parses "<id>=<qty>".
func parseAssignment(s string) (reconcile.Assignment, error) {
	id, qty, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(id) == "" {
		return reconcile.Assignment{}, fmt.Errorf("assignment %q: want <id>=<qty>", s)
	}
	q, err := decimal.NewFromString(strings.TrimSpace(qty))
	if err != nil {
		return reconcile.Assignment{}, fmt.Errorf("assignment %q: %w", s, err)
	}
	return reconcile.Assignment{SubLedgerID: strings.TrimSpace(id), Qty: q}, nil
}

func views(vs []ledger.SubLedgerView) []model.SubLedger {
	out := make([]model.SubLedger, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.SubLedger)
	}
	return out
}

func writeSubLedgers(w io.Writer, sls []model.SubLedger) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACCOUNT\tNAME\tSYMBOL\tSIDE\tNET\tAVG ENTRY\tREALIZED\tBRACKET")
	for _, sl := range sls {
		bracketState := "-"
		if sl.Bracket != nil {
			bracketState = string(sl.Bracket.State())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sl.ID, sl.AccountID, sl.Name, sl.Symbol, sl.Side,
			sl.NetQty, sl.AvgEntry, sl.RealizedPnL, bracketState)
	}
	tw.Flush()
}

func writeConsistency(w io.Writer, statuses []model.ConsistencyStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSYMBOL\tSIDE\tSTATUS\tEXTERNAL\tLEDGER")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.AccountID, st.Symbol, st.Side, st.Status, st.ExternalQty, st.LedgerQty)
	}
	tw.Flush()
}

func writeFills(w io.Writer, fills []model.Fill) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRADE\tACCOUNT\tSYMBOL\tSIDE\tQTY\tPRICE\tSUB-LEDGER\tTIME")
	for _, f := range fills {
		owner := f.SubLedgerID
		if !f.Attributed {
			owner = "(unattributed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.TradeID, f.AccountID, f.Symbol, f.Side, f.Qty, f.Price, owner,
			f.Timestamp.Format(time.RFC3339))
	}
	tw.Flush()
}
