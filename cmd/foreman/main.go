package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/foremanhq/foreman/internal/session"
)

var (
	app    = kingpin.New("foreman", "Admin CLI for the foreman delegation coordinator")
	addr   = app.Flag("addr", "Base URL of the foreman server").Default("http://localhost:3200").Envar("FOREMAN_ADDR").String()
	apiKey = app.Flag("api-key", "API key for the admin endpoints").Envar("FOREMAN_API_KEY").Required().String()

	sessionsCmd = app.Command("sessions", "Session management commands")

	sessionsListCmd    = sessionsCmd.Command("list", "List sessions")
	sessionsListActive = sessionsListCmd.Flag("active", "Only show active sessions").Bool()

	sessionsShowCmd = sessionsCmd.Command("show", "Show session details")
	sessionsShowID  = sessionsShowCmd.Arg("id", "Session ID").Required().String()

	sessionsCancelCmd = sessionsCmd.Command("cancel", "Cancel an active session")
	sessionsCancelID  = sessionsCancelCmd.Arg("id", "Session ID").Required().String()

	statsCmd = app.Command("stats", "Show server statistics")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := &client{baseURL: *addr, apiKey: *apiKey}

	var err error
	switch command {
	case sessionsListCmd.FullCommand():
		err = handleSessionsList(ctx, c, *sessionsListActive)
	case sessionsShowCmd.FullCommand():
		err = handleSessionsShow(ctx, c, *sessionsShowID)
	case sessionsCancelCmd.FullCommand():
		err = handleSessionsCancel(ctx, c, *sessionsCancelID)
	case statsCmd.FullCommand():
		err = handleStats(ctx, c)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	apiKey  string
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func handleSessionsList(ctx context.Context, c *client, activeOnly bool) error {
	path := "/sessions"
	if activeOnly {
		path = "/sessions/active"
	}
	var list struct {
		Sessions []*session.Session `json:"sessions"`
		Total    int                `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, &list); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tISSUE\tSTATUS\tPROGRESS\tSTRATEGY\tCREATED")
	for _, s := range list.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			s.ID, s.IssueID, colorStatus(s.Status), s.Progress, s.Strategy,
			s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func handleSessionsShow(ctx context.Context, c *client, id string) error {
	var s session.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id, &s); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", s.ID)
	fmt.Printf("Issue:       %s\n", s.IssueID)
	fmt.Printf("Status:      %s\n", colorStatus(s.Status))
	fmt.Printf("Strategy:    %s\n", s.Strategy)
	fmt.Printf("Progress:    %d%%\n", s.Progress)
	if s.Step != "" {
		fmt.Printf("Step:        %s\n", s.Step)
	}
	if s.DelegateTaskID != "" {
		fmt.Printf("Delegate:    %s\n", s.DelegateTaskID)
	}
	fmt.Printf("Created:     %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.StartedAt != nil {
		fmt.Printf("Started:     %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if s.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", s.CompletedAt.Format(time.RFC3339))
	}
	if s.Result != nil {
		fmt.Printf("Artifact:    %s (%d files changed)\n", s.Result.ArtifactURL, s.Result.ChangedFiles)
	}
	if s.Failure != nil {
		fmt.Printf("Failure:     [%s] %s\n", s.Failure.Class, s.Failure.Message)
	}
	for k, v := range s.Metadata {
		fmt.Printf("  %s: %s\n", k, v)
	}
	return nil
}

func handleSessionsCancel(ctx context.Context, c *client, id string) error {
	var s session.Session
	if err := c.do(ctx, http.MethodDelete, "/sessions/"+id, &s); err != nil {
		return err
	}
	fmt.Printf("Session %s cancelled\n", s.ID)
	return nil
}

func handleStats(ctx context.Context, c *client) error {
	var stats struct {
		UptimeSeconds int64             `json:"uptime_seconds"`
		Sessions      map[string]int    `json:"sessions"`
		Active        int               `json:"active"`
		Webhooks      map[string]uint64 `json:"webhooks"`
	}
	if err := c.do(ctx, http.MethodGet, "/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("Uptime:  %s\n", (time.Duration(stats.UptimeSeconds) * time.Second).String())
	fmt.Printf("Active:  %d\n", stats.Active)
	fmt.Println("Sessions:")
	for status, count := range stats.Sessions {
		fmt.Printf("  %-10s %d\n", status, count)
	}
	fmt.Println("Webhooks:")
	for name, count := range stats.Webhooks {
		fmt.Printf("  %-20s %d\n", name, count)
	}
	return nil
}

func colorStatus(s session.Status) string {
	switch s {
	case session.StatusRunning:
		return color.GreenString(string(s))
	case session.StatusFailed:
		return color.RedString(string(s))
	case session.StatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
