// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/absmach/fluxfed/config"
	"github.com/absmach/fluxfed/federation"
	"github.com/absmach/fluxfed/server/health"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status [domain]",
		Short: "Print the delivery state of remote instances",
		Long: "Queries the health server of a running node and prints the queue " +
			"state of every remote instance, or of a single domain.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(opts.configFile)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				addr = cfg.Server.HealthAddr
			}
			var domain string
			if len(args) == 1 {
				domain = args[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			statuses, err := fetchStatus(ctx, http.DefaultClient, baseURL(addr), domain)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), opts.format, statuses)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health server address (default: server.health_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

// baseURL turns a listen address such as ":8081" into a URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, client *http.Client, base, domain string) ([]federation.InstanceStatus, error) {
	u := base + "/federation/instances"
	if domain != "" {
		u += "/" + url.PathEscape(domain)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if domain != "" {
		var st federation.InstanceStatus
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return nil, fmt.Errorf("failed to decode status: %w", err)
		}
		return []federation.InstanceStatus{st}, nil
	}

	var all health.InstancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return all.Instances, nil
}

func printStatus(w io.Writer, format string, statuses []federation.InstanceStatus) error {
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Instance.Domain < statuses[j].Instance.Domain
	})

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tSTATE\tLAST ID\tLAG\tFAILS\tLAST RETRY\tBREAKER")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			st.Instance.Domain,
			instanceState(st),
			st.State.LastSuccessfulID,
			st.Lag,
			st.State.FailCount,
			lastRetry(st),
			orDash(st.Breaker))
	}
	return tw.Flush()
}

func instanceState(st federation.InstanceStatus) string {
	switch {
	case st.Instance.Blocked:
		return "blocked"
	case st.Instance.Dead:
		return "dead"
	case st.Running:
		return "running"
	default:
		return "stopped"
	}
}

func lastRetry(st federation.InstanceStatus) string {
	if st.State.FailCount == 0 || st.State.LastRetryAt.IsZero() {
		return "-"
	}
	return st.State.LastRetryAt.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
