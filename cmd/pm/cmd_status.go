package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/model"
)

var (
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show instances, presence, locks and unread messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Best-effort agent resolution (status works without one).
			agentID, _ := a.resolveAgent("")

			c, err := a.coordinator()
			if err != nil {
				return err
			}
			reg := c.Registry()
			instances, err := reg.Discover(true)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			now := time.Now()
			locks, _ := a.store.ListTaskLocks(now)
			health := model.NewHealthReport(instances)
			inbox := a.peekInbox(agentID)

			type instanceInfo struct {
				model.Instance
				Presence string `json:"presence"`
			}
			infos := make([]instanceInfo, len(instances))
			for i, inst := range instances {
				infos[i] = instanceInfo{Instance: inst, Presence: agentPresence(inst, now, reg.StaleTimeout())}
			}

			if a.jsonOut {
				result := map[string]any{
					"instances": infos,
					"locks":     locks,
					"health":    health,
					"messages":  a.store.CountMessages(),
				}
				if agentID != "" {
					result["unread"] = len(inbox)
				}
				a.printJSON(result)
				return nil
			}

			a.printf("%s\n", headerStyle.Render("instances:"))
			if len(infos) == 0 {
				a.printf("  none\n")
			}
			for _, ii := range infos {
				marker := ""
				if ii.ID == agentID {
					marker = " <-- you"
				}
				a.printf("  %s %-36s %-20s load=%g/%-3d seen %s%s\n",
					presenceIndicator(ii.Presence), ii.ID, ii.Hostname, ii.CurrentLoad,
					ii.MaxCapacity, humanize.RelTime(ii.LastSeen, now, "ago", "from now"), marker)
			}

			if len(locks) > 0 {
				a.printf("%s\n", headerStyle.Render("locks:"))
				for _, l := range locks {
					a.printf("  %-30s held by %-36s expires %s\n", l.TaskID, l.Holder, humanize.Time(l.ExpiresAt))
				}
			} else {
				a.printf("locks: none\n")
			}

			a.printf("health: %d/%d healthy, load %.1f%% of %d\n",
				health.HealthyCount, health.InstanceCount, health.LoadPercentage, health.TotalCapacity)
			if agentID != "" {
				a.printf("you (%s): %d unread message(s)\n", agentID, len(inbox))
			}
			return nil
		},
	}
}

// agentPresence returns a presence string based on last_seen time.
//   - "online":  seen within 2 minutes
//   - "idle":    seen within the staleness timeout
//   - "offline": stale, due to be swept
func agentPresence(inst model.Instance, now time.Time, staleTimeout time.Duration) string {
	since := now.Sub(inst.LastSeen)
	switch {
	case since < 2*time.Minute:
		return "online"
	case !inst.StaleAt(now, staleTimeout):
		return "idle"
	default:
		return "offline"
	}
}

// presenceIndicator returns a short text indicator for display.
func presenceIndicator(presence string) string {
	switch presence {
	case "online":
		return onlineStyle.Render("[+]")
	case "idle":
		return idleStyle.Render("[~]")
	default:
		return offlineStyle.Render("[-]")
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarize capacity and load across all instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			h, err := c.CheckHealth()
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			if a.jsonOut {
				a.printJSON(h)
				return nil
			}
			a.printf("instances: %d (%d healthy)\n", h.InstanceCount, h.HealthyCount)
			a.printf("capacity:  %d\n", h.TotalCapacity)
			a.printf("load:      %g (%.1f%%)\n", h.CurrentLoad, h.LoadPercentage)
			return nil
		},
	}
}
