package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/coordinator"
	"github.com/daviddao/peermesh/pkg/distributor"
	"github.com/daviddao/peermesh/pkg/model"
)

// itemFlags collects a work item from command-line flags.
type itemFlags struct {
	file      string
	id        string
	itemType  string
	priority  int
	load      float64
	path      string
	start     int
	end       int
	resources []string
	tests     []string
	attrs     map[string]string
	lock      bool
	lockMeta  map[string]string
}

func (f *itemFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "item", "f", "", "read the work item as JSON from this file (- for stdin)")
	fl.StringVar(&f.id, "id", "", "work item id (default: generated)")
	fl.StringVarP(&f.itemType, "type", "t", "", "work type, e.g. file-edit or test-suite")
	fl.IntVarP(&f.priority, "priority", "p", 0, "priority, higher wins conflicts")
	fl.Float64Var(&f.load, "load", 1, "estimated load")
	fl.StringVar(&f.path, "file", "", "file-edit: path being edited")
	fl.IntVar(&f.start, "start", 0, "file-edit: first line (0 = start of file)")
	fl.IntVar(&f.end, "end", 0, "file-edit: last line (0 = end of file)")
	fl.StringSliceVar(&f.resources, "resource", nil, "resource the item needs exclusively (repeatable)")
	fl.StringSliceVar(&f.tests, "test", nil, "test-suite: test to run (repeatable)")
	fl.StringToStringVar(&f.attrs, "attr", nil, "free-form attribute key=value (repeatable)")
	fl.BoolVar(&f.lock, "lock", false, "lock the item before distributing it")
	fl.StringToStringVar(&f.lockMeta, "lock-meta", nil, "metadata stored with the lock, key=value")
}

// item builds the work item from --item or from the individual flags.
func (f *itemFlags) item(cmd *cobra.Command) (model.WorkItem, error) {
	if f.file != "" {
		return readItem(cmd.InOrStdin(), f.file)
	}
	if f.itemType == "" {
		return model.WorkItem{}, errors.New("--type or --item is required")
	}
	item := model.WorkItem{
		ID:            f.id,
		Type:          f.itemType,
		Priority:      f.priority,
		EstimatedLoad: f.load,
		Payload: model.Payload{
			RequireLock:  f.lock,
			LockMetadata: f.lockMeta,
			Resources:    f.resources,
			Tests:        f.tests,
			Attributes:   f.attrs,
		},
	}
	if f.path != "" {
		fe := &model.FileEdit{Path: f.path}
		if cmd.Flags().Changed("start") {
			fe.StartLine = model.Line(f.start)
		}
		if cmd.Flags().Changed("end") {
			fe.EndLine = model.Line(f.end)
		}
		item.Payload.FileEdit = fe
	}
	return item, nil
}

// readItem decodes a work item from path, or from stdin when path is "-".
func readItem(stdin io.Reader, path string) (model.WorkItem, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return model.WorkItem{}, err
		}
		defer f.Close()
		r = f
	}
	var item model.WorkItem
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&item); err != nil {
		return model.WorkItem{}, fmt.Errorf("decode work item %s: %w", path, err)
	}
	return item, nil
}

func newSubmitCmd(a *app) *cobra.Command {
	var f itemFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Route a work item to the least loaded capable instance",
		Long: `Submit a work item. The item goes to the capable instance with the
lowest load ratio, which receives a task-request message. With --lock the
item is leased first and nothing is distributed if the lease is denied.`,
		Example: `  pm submit --type file-edit --file pkg/store/store.go --start 10 --end 40 --lock
  pm submit --type test-suite --test ./pkg/... --priority 5
  pm submit --item task.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := f.item(cmd)
			if err != nil {
				return err
			}
			c, self, err := a.attached()
			if err != nil {
				return err
			}

			inst, err := c.Submit(cmd.Context(), &item)
			switch {
			case errors.Is(err, coordinator.ErrLockAcquisitionFailed):
				return a.reportDenied(item.ID, self, err)
			case errors.Is(err, distributor.ErrNoCapableInstance):
				return fmt.Errorf("%w (register an instance first)", err)
			case err != nil && inst.ID == "":
				return err
			case err != nil:
				fmt.Fprintf(a.errOut, "pm: warning: %v\n", err)
			}

			if a.jsonOut {
				a.printJSON(map[string]any{"item": item, "instance": inst, "notified": err == nil})
				return nil
			}
			a.printf("assigned %s (%s) to %s (load now %g/%d)\n",
				item.ID, item.Type, inst.ID, inst.CurrentLoad, inst.MaxCapacity)
			if item.Payload.RequireLock {
				a.printf("  locked %s\n", item.ID)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// reportDenied prints who holds taskID and returns the lock-denied exit.
func (a *app) reportDenied(taskID, self string, cause error) error {
	holder := a.lockHolder(taskID)
	if a.jsonOut {
		out := map[string]any{"granted": false, "task_id": taskID, "error": cause.Error()}
		if holder != nil {
			out["conflict"] = holder
		}
		a.printJSON(out)
		return errDenied
	}
	if holder != nil && holder.Holder != self {
		a.printf("DENIED: %s holds %s (until %s)\n", holder.Holder, taskID, holder.ExpiresAt.Format("15:04:05"))
	} else {
		a.printf("DENIED: %s: %v\n", taskID, cause)
	}
	return errDenied
}

func newRebalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Suggest load moves from overloaded to underloaded instances",
		Long: `Compare every live instance with the mean load and suggest moves from
instances above 1.5x the mean to instances below 0.5x. Nothing is moved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			plan, err := c.Rebalance()
			if err != nil {
				return fmt.Errorf("rebalance: %w", err)
			}
			if a.jsonOut {
				a.printJSON(plan)
				return nil
			}
			a.printf("mean load %.2f\n", plan.MeanLoad)
			if len(plan.Moves) == 0 {
				a.printf("balanced: no moves suggested\n")
				return nil
			}
			for _, m := range plan.Moves {
				a.printf("  move %g from %s to %s\n", m.Load, m.From, m.To)
			}
			return nil
		},
	}
}

func newHandoffCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "handoff <task-id>",
		Short: "Ask the least loaded peer to take over a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.attached()
			if err != nil {
				return err
			}
			res, err := c.RequestHandoff(args[0], reason)
			if err != nil {
				return fmt.Errorf("handoff: %w", err)
			}
			if a.jsonOut {
				a.printJSON(res)
				return nil
			}
			if res.Status == coordinator.HandoffNoPeers {
				a.printf("no peers available to take %s\n", args[0])
				return nil
			}
			a.printf("handoff of %s sent to %s (message %s)\n", args[0], res.TargetInstance, res.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the task is handed off")
	return cmd
}

func newConflictCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Detect, resolve or merge conflicting work items",
		Long: `Work with two work items given as JSON files (- reads stdin for one of
them). Items conflict when they edit overlapping lines of the same file or
share a resource.`,
	}

	load := func(cmd *cobra.Command, args []string) (model.WorkItem, model.WorkItem, error) {
		x, err := readItem(cmd.InOrStdin(), args[0])
		if err != nil {
			return model.WorkItem{}, model.WorkItem{}, err
		}
		y, err := readItem(cmd.InOrStdin(), args[1])
		if err != nil {
			return model.WorkItem{}, model.WorkItem{}, err
		}
		return x, y, nil
	}

	detect := &cobra.Command{
		Use:   "detect <a.json> <b.json>",
		Short: "Report whether two items conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, y, err := load(cmd, args)
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			cf, found := c.Detect(x, y)
			if a.jsonOut {
				a.printJSON(map[string]any{"conflict": found, "detail": cf})
				return nil
			}
			if !found {
				a.printf("no conflict between %s and %s\n", x.ID, y.ID)
				return nil
			}
			a.printf("conflict: %s between %s and %s\n", cf.Kind, x.ID, y.ID)
			return nil
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <a.json> <b.json>",
		Short: "Pick a winner and alert peers",
		Long: `Detect and resolve a conflict: the higher priority wins, then the older
item, then the smaller id. When --agent is registered the resolution is
broadcast as a conflict-alert.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, y, err := load(cmd, args)
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			if a.agentID != "" {
				if err := c.Attach(a.agentID); err != nil {
					return err
				}
			}
			res, err := c.Arbitrate(x, y)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"conflict": res != nil, "resolution": res})
				return nil
			}
			if res == nil {
				a.printf("no conflict between %s and %s\n", x.ID, y.ID)
				return nil
			}
			a.printf("%s: %s wins over %s (%s)\n", res.Conflict.Kind, res.Winner.ID, res.Loser.ID, res.Strategy)
			return nil
		},
	}

	merge := &cobra.Command{
		Use:   "merge <a.json> <b.json>",
		Short: "Combine two test-suite items into one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, y, err := load(cmd, args)
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			merged, ok := c.Merge(x, y)
			if !ok {
				return fmt.Errorf("merge: only %s items can be merged (got %s and %s)", model.TypeTestSuite, x.Type, y.Type)
			}
			if a.jsonOut {
				a.printJSON(merged)
				return nil
			}
			a.printf("merged %s: priority=%d load=%g tests=%s\n",
				merged.ID, merged.Priority, merged.EstimatedLoad, strings.Join(merged.Payload.Tests, ","))
			return nil
		},
	}

	cmd.AddCommand(detect, resolve, merge)
	return cmd
}
