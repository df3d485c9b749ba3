package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/platformbuilds/mirador-session/internal/config"
	"github.com/platformbuilds/mirador-session/internal/session"
)

type statsResponse struct {
	Status string             `json:"status"`
	Data   session.Statistics `json:"data"`
	Error  string             `json:"error"`
}

func newStatsCommand() *cobra.Command {
	var addr string
	var token string
	var timeout time.Duration
	var reset bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show replication statistics of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			stats, err := fetchStats(ctx, addr, token)
			if err != nil {
				return err
			}
			if err := renderStats(cmd.OutOrStdout(), stats); err != nil {
				return err
			}
			if reset {
				if err := resetStats(ctx, addr, token); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "statistics reset")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("http://localhost:%d", config.DefaultHTTPPort), "management API base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token when the node has auth enabled")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the counters after printing them")
	return cmd
}

func statsRequest(ctx context.Context, method, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", url, err)
	}
	return resp, nil
}

func fetchStats(ctx context.Context, addr, token string) (*session.Statistics, error) {
	url := strings.TrimRight(addr, "/") + "/api/v1/stats"
	resp, err := statsRequest(ctx, http.MethodGet, url, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body statsResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && body.Error != "" {
			return nil, fmt.Errorf("statistics request failed: %s: %s", resp.Status, body.Error)
		}
		return nil, fmt.Errorf("statistics request failed: %s", resp.Status)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding statistics: %w", decodeErr)
	}
	return &body.Data, nil
}

func resetStats(ctx context.Context, addr, token string) error {
	url := strings.TrimRight(addr, "/") + "/api/v1/stats/reset"
	resp, err := statsRequest(ctx, http.MethodPost, url, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("statistics reset failed: %s", resp.Status)
	}
	return nil
}

func renderStats(out io.Writer, s *session.Statistics) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		value string
	}{
		{"node", s.NodeID},
		{"since", fmt.Sprintf("%s (%s)", s.Since.Format(time.RFC3339), humanize.Time(s.Since))},
		{"degraded", fmt.Sprintf("%t", s.Degraded)},
		{"active", humanize.Comma(int64(s.Active))},
		{"max active", humanize.Comma(s.MaxActiveObserved)},
		{"created", humanize.Comma(s.Created)},
		{"expired", humanize.Comma(s.Expired)},
		{"invalidated", humanize.Comma(s.Invalidated)},
		{"rejected", humanize.Comma(s.Rejected)},
		{"remote invalidations", humanize.Comma(s.RemoteInvalidations)},
		{"replications", humanize.Comma(s.Replications)},
		{"replication failures", humanize.Comma(s.ReplicationFailures)},
		{"version conflicts", humanize.Comma(s.VersionConflicts)},
		{"loads", humanize.Comma(s.Loads)},
		{"load failures", humanize.Comma(s.LoadFailures)},
		{"listener failures", humanize.Comma(s.ListenerFailures)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", r.name, r.value)
	}

	if len(s.Sessions) > 0 {
		ids := make([]string, 0, len(s.Sessions))
		for id := range s.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SESSION\tPUSHES\tFAILED\tAVG PUSH\tMAX PUSH\tLOADS\tAVG LOAD")
		for _, id := range ids {
			rs := s.Sessions[id]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				id,
				humanize.Comma(rs.Replications),
				humanize.Comma(rs.FailedReplications),
				rs.AverageReplication(),
				rs.ReplicationMax,
				humanize.Comma(rs.Loads),
				rs.AverageLoad())
		}
	}
	return tw.Flush()
}
