package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dealflow/offer-engine/internal/app"
	appScheduler "github.com/dealflow/offer-engine/internal/application/scheduler"
	"github.com/dealflow/offer-engine/internal/config"
	"github.com/dealflow/offer-engine/internal/infrastructure/keystore"
	p2papi "github.com/dealflow/offer-engine/internal/p2p/api"
	"github.com/dealflow/offer-engine/internal/p2p/consensus"
)

const (
	joinRetries       = 30
	joinRetryDelay    = time.Second
	startupWaitLeader = 4 * time.Second
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if cfg.Raft.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.Raft.NodeID = strings.TrimSpace(hostname)
	}
	if cfg.Raft.NodeID == "" {
		cfg.Raft.NodeID = "node-1"
	}
	logger = logger.Level(cfg.LogLevel).With().Str("node_id", cfg.Raft.NodeID).Logger()

	if err := os.MkdirAll(cfg.Raft.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create data dir")
	}
	signer, err := loadSigner(cfg.Raft)
	if err != nil {
		logger.Fatal().Err(err).Msg("signing key error")
	}
	logger.Info().Str("public_key", keystore.PublicKey(signer)).Msg("node signing key loaded")

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.Raft.NodeID,
		RaftAddr:       cfg.Raft.Addr,
		DataDir:        cfg.Raft.DataDir,
		Bootstrap:      cfg.Raft.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   5 * time.Second,
		TrustedKeys:    cfg.Raft.TrustedKeys,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create raft node")
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Raft.Bootstrap && cfg.Raft.JoinURL != "" {
		if err := joinCluster(cfg.Raft.JoinURL, node.ID(), node.RaftAddr()); err != nil {
			logger.Error().Err(err).Msg("join cluster failed")
		} else {
			logger.Info().Str("join_url", cfg.Raft.JoinURL).Msg("joined cluster")
		}
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), startupWaitLeader)
	_, _ = node.WaitForLeader(waitCtx, 150*time.Millisecond)
	cancelWait()

	store := consensus.NewReplicatedStore(node, signer)
	svc := app.New(app.Stores{Offers: store, Ledger: store}, cfg, logger, appScheduler.WithLeaderCheck(node.IsLeader))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler failed to start")
	}

	clusterAPI := p2papi.NewServer(node, node.Machine())
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           clusterAPI.Router(svc.API.Router()),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("raft_addr", node.RaftAddr()).
			Bool("bootstrap", cfg.Raft.Bootstrap).
			Msg("offer node listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	svc.Scheduler.Stop()
	svc.Hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// loadSigner prefers an explicit key and otherwise keeps one in the data dir.
func loadSigner(cfg config.RaftConfig) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(cfg.SigningKey) != "" {
		return keystore.FromHex(cfg.SigningKey)
	}
	return keystore.LoadOrCreate(filepath.Join(cfg.DataDir, "node.key"))
}

func joinCluster(joinURL, nodeID, raftAddr string) error {
	endpoint := strings.TrimRight(joinURL, "/") + "/v1/cluster/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   nodeID,
		"raft_addr": raftAddr,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < joinRetries; i++ {
		req, _ := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(joinRetryDelay)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(joinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
