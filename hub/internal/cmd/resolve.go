package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/m10n/hub/internal/config"
	"github.com/amurg-ai/m10n/hub/internal/hub"
	"github.com/amurg-ai/m10n/pkg/revision"
)

// chainFile is the on-disk form of a revision chain. A bare JSON array of
// revisions is accepted too.
type chainFile struct {
	PlanID    string                  `json:"plan_id"`
	Revisions []revision.PlanRevision `json:"revisions"`
}

type resolveOptions struct {
	chainPath  string
	at         string
	revisionID string
	asJSON     bool
	catalog    config.CatalogConfig
	now        func() time.Time
}

// resolveResult is printed by the resolve command.
type resolveResult struct {
	PlanID   string                 `json:"plan_id"`
	At       time.Time              `json:"at"`
	Revision *revision.PlanRevision `json:"revision,omitempty"`
	IsFuture bool                   `json:"is_future"`
	Current  *revision.PlanRevision `json:"current"`
	Future   *revision.PlanRevision `json:"future"`
	Warning  string                 `json:"warning,omitempty"`
}

func newResolveCmd() *cobra.Command {
	opts := resolveOptions{now: time.Now}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the current and upcoming revision of a chain file offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.chainPath, "chain", "", "JSON file with the plan's revisions")
	cmd.Flags().StringVar(&opts.at, "at", "", "evaluation instant, RFC 3339 with offset (default: now)")
	cmd.Flags().StringVar(&opts.revisionID, "revision", "", "resolve relative to this revision instead of the whole plan")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&opts.catalog.DayGranularity, "day-granularity", false, "compare against midnight of the evaluation day")
	cmd.Flags().BoolVar(&opts.catalog.StartExclusive, "start-exclusive", false, "treat revision starts as outside the period")
	cmd.Flags().BoolVar(&opts.catalog.EndExclusive, "end-exclusive", false, "treat revision ends as outside the period")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func runResolve(w io.Writer, opts resolveOptions) error {
	chain, err := loadChainFile(opts.chainPath)
	if err != nil {
		return err
	}

	at := opts.now()
	if opts.at != "" {
		if at, err = time.Parse(time.RFC3339, opts.at); err != nil {
			return fmt.Errorf("--at must be RFC 3339 with offset: %w", err)
		}
	}

	r := hub.NewResolver(opts.catalog)
	res := resolveResult{PlanID: chain.PlanID(), At: at}
	if err := chain.Validate(); err != nil {
		res.Warning = err.Error()
	}

	if opts.revisionID != "" {
		rev, ok := chain.Get(opts.revisionID)
		if !ok {
			return fmt.Errorf("revision %q is not in the chain", opts.revisionID)
		}
		res.Revision = &rev
		res.IsFuture = r.IsFuture(rev, at)
		if res.Current, err = r.ResolveCurrent(chain, rev, at); err != nil {
			return err
		}
		if res.Future, err = r.ResolveFuture(chain, rev, at); err != nil {
			return err
		}
	} else {
		if res.Current, err = r.Effective(chain, at); err != nil {
			return err
		}
		if res.Current != nil {
			if res.Future, err = r.ResolveFuture(chain, *res.Current, at); err != nil {
				return err
			}
		} else if head, ok := chain.Head(); ok && r.IsFuture(head, at) {
			res.Future = &head
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResolveResult(w, res)
	return nil
}

func loadChainFile(path string) (*revision.Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}

	var f chainFile
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &f.Revisions)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse chain: %w", err)
	}
	if f.PlanID == "" && len(f.Revisions) > 0 {
		f.PlanID = f.Revisions[0].PlanID
	}

	// Chains are newest first; files may list revisions in any order.
	sort.SliceStable(f.Revisions, func(i, j int) bool {
		return f.Revisions[i].StartAt.After(f.Revisions[j].StartAt)
	})
	return revision.NewChain(f.PlanID, f.Revisions)
}

func printResolveResult(w io.Writer, res resolveResult) {
	line := func(label, value string) {
		_, _ = fmt.Fprintf(w, "%-9s %s\n", label, value)
	}
	line("plan", res.PlanID)
	line("at", res.At.Format(time.RFC3339))
	if res.Revision != nil {
		state := "in effect or past"
		if res.IsFuture {
			state = "future"
		}
		line("revision", res.Revision.ID+" ("+state+")")
	}
	line("current", revisionLabel(res.Current))
	line("future", revisionLabel(res.Future))
	if res.Warning != "" {
		line("warning", res.Warning)
	}
}

func revisionLabel(rev *revision.PlanRevision) string {
	if rev == nil {
		return "none"
	}
	label := rev.ID + " from " + rev.StartAt.Format(time.RFC3339)
	if rev.EndAt != nil {
		label += " until " + rev.EndAt.Format(time.RFC3339)
	}
	return label
}
