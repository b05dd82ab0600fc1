package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"

	"github.com/adam91holt/observatory/internal/gateway"
	"github.com/adam91holt/observatory/internal/metrics"
	"github.com/adam91holt/observatory/internal/protocol"
	"github.com/adam91holt/observatory/internal/rest"
	"github.com/adam91holt/observatory/internal/sessions"
)

// newGatewayClient is the composition root for the Gateway connection:
// one explicit client instance per invocation, torn down by the caller.
func newGatewayClient() *gateway.Client {
	return gateway.New(gateway.Options{
		URL:               cfg.Gateway.URL,
		Token:             cfg.Gateway.Token,
		Password:          cfg.Gateway.Password,
		Role:              cfg.Gateway.Role,
		Scopes:            cfg.Gateway.Scopes,
		Client:            clientInfo(),
		RequestTimeout:    cfg.Gateway.RequestTimeout,
		KeepaliveInterval: cfg.Gateway.KeepaliveInterval,
		ReconnectBase:     cfg.Gateway.ReconnectBase,
		ReconnectMax:      cfg.Gateway.ReconnectMax,
		MaxAttempts:       cfg.Gateway.MaxAttempts,
		Logger:            slog.Default(),
	})
}

func clientInfo() protocol.ClientInfo {
	platform := "unknown"
	if info, err := host.Info(); err == nil {
		platform = info.OS
		if info.Platform != "" {
			platform = fmt.Sprintf("%s/%s", info.OS, info.Platform)
		}
	}
	return protocol.ClientInfo{
		ID:         "observatory",
		Version:    version,
		Platform:   platform,
		Mode:       cfg.Client.Mode,
		InstanceID: uuid.NewString(),
	}
}

func newRESTClient() *rest.Client {
	return rest.NewClient(cfg.REST.BaseURL, cfg.Gateway.Token)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print session and metric changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		client := newGatewayClient()
		defer client.Close()

		client.OnStateChange(func(sc gateway.StateChange) {
			if sc.Err != nil {
				fmt.Printf("-- connection %s: %v\n", sc.State, sc.Err)
			} else {
				fmt.Printf("-- connection %s\n", sc.State)
			}
		})

		store := sessions.NewStore()
		agg := metrics.New(metrics.Options{
			TickInterval:    cfg.Metrics.TickInterval,
			MaxRatePoints:   cfg.Metrics.MaxRatePoints,
			MaxProcessedIDs: cfg.Metrics.MaxProcessedIDs,
		})
		go agg.Run(ctx)

		projector := sessions.NewProjector(store, agg, slog.Default())
		projector.OnChange(func() {
			fmt.Printf("-- %d sessions, %d active\n", len(store.All()), store.ActiveCount())
		})
		projector.Bind(client)
		defer projector.Unbind()

		collector := metrics.NewCollector(agg, slog.Default())
		collector.Bind(client)
		defer collector.Unbind()

		snap, err := client.Dial(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("connected: %d agents present, gateway up %s\n",
			len(snap.Presence), (time.Duration(snap.UptimeMs) * time.Millisecond).Round(time.Second))

		if err := projector.Seed(ctx, client); err != nil {
			slog.Warn("session list seed failed", "error", err)
		}

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				printSummary(store, agg)
			}
		}
	},
}

func printSummary(store *sessions.Store, agg *metrics.Aggregator) {
	st := agg.State()
	fmt.Printf("[%s] sessions=%d active=%d tokens in/out=%d/%d (%.0f/%.0f per min) msgs=%d/%d cost=$%.4f ($%.4f last hour)\n",
		time.Now().Format("15:04:05"),
		len(store.All()), store.ActiveCount(),
		st.Tokens.TotalIn, st.Tokens.TotalOut, st.Tokens.RateIn, st.Tokens.RateOut,
		st.Messages.TotalInbound, st.Messages.TotalOutbound,
		st.Cost.TotalUSD, st.Cost.HourlyUSD)
	for _, a := range store.Agents() {
		fmt.Printf("  agent %-20s %-8s active=%d\n", a.AgentID, a.Status, a.ActiveSessions)
	}
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions via the read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newRESTClient().Sessions()
		if err != nil {
			return err
		}
		for _, s := range list {
			name := ""
			if s.DisplayName != nil {
				name = *s.DisplayName
			}
			fmt.Printf("%-32s %-10s %s\n", s.Key, s.Status, name)
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents via the read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newRESTClient().Agents()
		if err != nil {
			return err
		}
		for _, a := range list {
			fmt.Printf("%-24s %-16s %s\n", a.ID, a.Host, a.Version)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a chat message and stream the reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionKey, _ := cmd.Flags().GetString("session")
		text, _ := cmd.Flags().GetString("text")
		if sessionKey == "" || text == "" {
			return fmt.Errorf("--session and --text are required")
		}

		ctx, cancel := signalContext()
		defer cancel()

		client := newGatewayClient()
		defer client.Close()
		if _, err := client.Dial(ctx); err != nil {
			return err
		}

		done := make(chan error, 1)
		_, err := client.OpenStream(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
			SessionKey:     sessionKey,
			Text:           text,
			IdempotencyKey: uuid.NewString(),
		}, gateway.StreamHandlers{
			OnChunk: func(raw json.RawMessage) {
				var chunk struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(raw, &chunk) == nil {
					fmt.Print(chunk.Text)
				}
			},
			OnEnd:   func() { fmt.Println(); done <- nil },
			OnError: func(err error) { done <- err },
		})
		if err != nil {
			return err
		}

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail the Gateway log stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")

		ctx, cancel := signalContext()
		defer cancel()

		client := newGatewayClient()
		defer client.Close()
		if _, err := client.Dial(ctx); err != nil {
			return err
		}

		failed := make(chan error, 1)
		_, err := client.OpenStream(ctx, protocol.MethodLogsTail, protocol.LogsTailParams{
			Lines: lines,
		}, gateway.StreamHandlers{
			OnChunk: func(raw json.RawMessage) {
				var line protocol.LogLine
				if json.Unmarshal(raw, &line) == nil {
					fmt.Printf("%-5s %s\n", line.Level, line.Message)
				}
			},
			OnError: func(err error) { failed <- err },
		})
		if err != nil {
			return err
		}

		select {
		case err := <-failed:
			return err
		case <-ctx.Done():
			return nil
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check Gateway health and presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		client := newGatewayClient()
		defer client.Close()
		snap, err := client.Dial(ctx)
		if err != nil {
			return err
		}

		payload, err := client.Call(ctx, protocol.MethodHealth, nil)
		if err != nil {
			return err
		}
		var health protocol.Health
		if err := json.Unmarshal(payload, &health); err != nil {
			return err
		}

		status := "degraded"
		if health.OK {
			status = "ok"
		}
		fmt.Printf("gateway %s (version %s), up %s\n", status, health.Version,
			(time.Duration(snap.UptimeMs) * time.Millisecond).Round(time.Second))

		// Presence fresher than the handshake snapshot.
		presence := snap.Presence
		if payload, err := client.Call(ctx, protocol.MethodSystemPresence, nil); err == nil {
			var batch protocol.PresenceBatch
			if json.Unmarshal(payload, &batch) == nil && len(batch.Entries) > 0 {
				presence = batch.Entries
			}
		}
		for _, p := range presence {
			fmt.Printf("  %-24s %s\n", p.AgentID, p.Host)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a session transcript over the Gateway socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionKey, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		if sessionKey == "" {
			return fmt.Errorf("--session is required")
		}

		ctx, cancel := signalContext()
		defer cancel()

		client := newGatewayClient()
		defer client.Close()
		if _, err := client.Dial(ctx); err != nil {
			return err
		}

		payload, err := client.Call(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{
			SessionKey: sessionKey,
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		var res protocol.ChatHistoryResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return err
		}
		for _, m := range res.Messages {
			fmt.Printf("%-10s %s\n", m.Role, m.Text)
		}
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the active run of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionKey, _ := cmd.Flags().GetString("session")
		runID, _ := cmd.Flags().GetString("run")
		if sessionKey == "" {
			return fmt.Errorf("--session is required")
		}

		ctx, cancel := signalContext()
		defer cancel()

		client := newGatewayClient()
		defer client.Close()
		if _, err := client.Dial(ctx); err != nil {
			return err
		}

		if _, err := client.Call(ctx, protocol.MethodChatAbort, protocol.ChatAbortParams{
			SessionKey: sessionKey,
			RunID:      runID,
		}); err != nil {
			return err
		}
		fmt.Println("aborted")
		return nil
	},
}

func init() {
	sendCmd.Flags().String("session", "", "target session key")
	sendCmd.Flags().String("text", "", "message text")
	logsCmd.Flags().Int("lines", 100, "history lines to replay")
	historyCmd.Flags().String("session", "", "target session key")
	historyCmd.Flags().Int("limit", 50, "max messages to fetch")
	abortCmd.Flags().String("session", "", "target session key")
	abortCmd.Flags().String("run", "", "specific run id to abort")
}
