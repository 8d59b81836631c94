package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/server"
	"github.com/alfredjeanlab/indexsync/internal/ui"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printTenantTable(w io.Writer, tenants []*server.TenantStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tREFERENCE\tSTATE\tASSIGNMENT\tPENDING\tAPPLIED\tABANDONED")
	for _, t := range tenants {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			t.Tenant,
			t.Reference,
			ui.RenderState(t.State),
			t.Assignment,
			t.PendingEvents,
			t.Stats.Applied,
			t.Stats.Abandoned,
		)
	}
	tw.Flush()
}

func printTenantDetail(w io.Writer, t *server.TenantStatus) {
	fmt.Fprintf(w, "Tenant:      %s\n", t.Tenant)
	fmt.Fprintf(w, "Reference:   %s\n", t.Reference)
	fmt.Fprintf(w, "State:       %s\n", ui.RenderState(t.State))
	mode := "dynamic"
	if t.Static {
		mode = "static"
	}
	fmt.Fprintf(w, "Sharding:    %s %s\n", mode, t.Assignment)
	if len(t.Members) > 0 {
		fmt.Fprintf(w, "Members:     %s\n", strings.Join(t.Members, ", "))
	}
	if !t.LastPulse.IsZero() {
		fmt.Fprintf(w, "Last pulse:  %s\n", t.LastPulse.Format(time.DateTime))
	}
	fmt.Fprintf(w, "Pending:     %d\n", t.PendingEvents)
	fmt.Fprintf(w, "Applied:     %d (rescheduled %d, abandoned %d, lost claims %d)\n",
		t.Stats.Applied, t.Stats.Rescheduled, t.Stats.Abandoned, t.Stats.LostClaims)
	for _, c := range t.Conflicts {
		fmt.Fprintf(w, "%s %s\n", ui.RenderWarn("Conflict:"), c)
	}
}

func printAgentTable(w io.Writer, agents []*model.Agent, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tNAME\tTYPE\tSTATE\tSHARDS\tEXPIRES")
	for _, a := range agents {
		expires := a.Expiration.Sub(now).Round(time.Second).String()
		if a.IsExpired(now) {
			expires = ui.RenderError("expired")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Reference,
			a.Name,
			a.Type,
			ui.RenderState(a.State),
			agentShards(a),
			expires,
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d agents\n", len(agents))
}

func agentShards(a *model.Agent) string {
	if a.Type != model.AgentTypeEventProcessor {
		return "-"
	}
	if a.StaticSharding {
		return a.Assignment.String() + " (static)"
	}
	return a.Assignment.String()
}
