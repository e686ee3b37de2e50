package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/topeklc/BSC-BuyBot/internal/broadcast"
)

func runHealth(cmd *cobra.Command, _ []string) error {
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		port, _ := cmd.Flags().GetInt("port")
		url = fmt.Sprintf("http://127.0.0.1:%d/health", port)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	status, err := fetchHealth(cmd.Context(), url, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s clients=%d uptime=%.0fs at %s\n", status.Status, status.Clients, status.Uptime, status.Timestamp)
	return nil
}

func fetchHealth(ctx context.Context, url string, timeout time.Duration) (broadcast.HealthStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return broadcast.HealthStatus{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return broadcast.HealthStatus{}, fmt.Errorf("query health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return broadcast.HealthStatus{}, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	var status broadcast.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return broadcast.HealthStatus{}, fmt.Errorf("decode health: %w", err)
	}
	return status, nil
}
