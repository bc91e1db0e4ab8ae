// Command mock-agent stands in for a cluster agent during local development. It pushes a
// synthetic crash-looping pod over HTTP and completes every command it is sent over gRPC.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/miradorstack/mirador-remediate/internal/api"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/extractors"
	"github.com/miradorstack/mirador-remediate/internal/ingest"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

func main() {
	var (
		httpURL  string
		grpcAddr string
		interval time.Duration
	)
	flag.StringVar(&httpURL, "http", "http://localhost:8080", "engine HTTP base URL")
	flag.StringVar(&grpcAddr, "grpc", "localhost:50051", "engine gRPC address")
	flag.DurationVar(&interval, "interval", 15*time.Second, "push and poll interval")
	flag.Parse()

	logger := utils.NewLogger("debug", false).With(slog.String("component", "mock-agent"))
	token := os.Getenv("MIRADOR_REMEDIATE_AGENT_TOKEN")
	if token == "" {
		logger.Error("MIRADOR_REMEDIATE_AGENT_TOKEN is required; create one with remediation-engine credentials create")
		os.Exit(1)
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Error("dial engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()
	client := api.NewAgentClient(conn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pushTelemetry(ctx, httpURL, token); err != nil {
			logger.Warn("push telemetry", slog.Any("error", err))
		}
		completeCommands(ctx, client, token, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pushTelemetry(ctx context.Context, baseURL, token string) error {
	pods, _ := json.Marshal([]extractors.PodStatus{{
		Name:      "checkout-7d9f8",
		Namespace: "shop",
		Node:      "node-a",
		Phase:     "Running",
		Owner:     "Deployment/checkout",
		Containers: []extractors.ContainerStatus{{
			Name:                  "app",
			Restarts:              9,
			WaitingReason:         "CrashLoopBackOff",
			LastTerminationReason: "Error",
		}},
	}})
	logs, _ := json.Marshal([]extractors.LogLine{
		{Level: "error", Message: "checkout failed to reach payments", Namespace: "shop", Pod: "checkout-7d9f8", Count: 42},
	})
	now := time.Now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(map[string]any{"records": []ingest.Record{
		{Kind: ingest.KindPods, Payload: pods, CollectedAt: now},
		{Kind: ingest.KindLog, Payload: logs, CollectedAt: now},
	}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/telemetry", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.ClusterTokenHeader, token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry rejected: %s", resp.Status)
	}
	return nil
}

func completeCommands(ctx context.Context, client *api.AgentClient, token string, logger *slog.Logger) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	cmds, err := client.FetchCommands(ctx, 10)
	if err != nil {
		logger.Warn("fetch commands", slog.Any("error", err))
		return
	}
	for _, cmd := range cmds {
		logger.Info("executing command",
			slog.String("command_id", cmd.ID),
			slog.String("type", cmd.CommandType),
			slog.Any("parameters", cmd.Params),
		)
		_, err := client.ReportResult(ctx, cmd.ID, dispatch.Report{
			Status: models.CommandCompleted,
			Result: "simulated by mock-agent",
		})
		if err != nil {
			logger.Warn("report result", slog.String("command_id", cmd.ID), slog.Any("error", err))
		}
	}
}
