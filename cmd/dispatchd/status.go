package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/basket/dispatchd/internal/config"
)

// runStatusCommand hits the running daemon's /admin/health endpoint and
// prints the result. Exit code 0 means healthy, 1 unreachable or degraded.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config)")
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)

	target := *addr
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		target = cfg.BindAddr
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+target+"/admin/health", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	if token := os.Getenv("DISPATCHD_AUTH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", target, err)
		return 1
	}
	defer resp.Body.Close()

	var health struct {
		Status        string `json:"status"`
		SQLiteVersion string `json:"sqlite_version"`
		UptimeSec     int64  `json:"uptime_sec"`
		Config        string `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "parse health response: %v\n", err)
		return 1
	}

	if *asJSON {
		out, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("status:  %s\nsqlite:  %s\nuptime:  %ds\nconfig:  %s\n",
			health.Status, health.SQLiteVersion, health.UptimeSec, health.Config)
	}

	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		return 1
	}
	return 0
}
