package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stratakv/strata/pkg/config"
	"github.com/stratakv/strata/pkg/events"
	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/metrics"
	"github.com/stratakv/strata/pkg/rpc"
	"github.com/stratakv/strata/pkg/storage"
	"github.com/stratakv/strata/pkg/table"
	"github.com/stratakv/strata/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Strata node",
	RunE:  runServer,
}

// The tables every node serves: the object metadata table (LWW version
// sets) and the K2V item table (causal sibling sets).
var tableSchemas = []table.Schema{
	table.LWWSchema("objects"),
	table.CausalSchema("kv"),
}

func runServer(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", errInvalidArgument)
	}
	self := types.NodeID(cfg.NodeID)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := rpc.NewGRPCTransport(rpc.GRPCConfig{
		Self:   self,
		Bind:   cfg.RPCBind,
		Secret: cfg.RPCSecret,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	peers := make(map[types.NodeID]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		nid, err := types.ParseNodeID(id)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgument, err)
		}
		peers[nid] = addr
	}
	transport.UpdatePeers(peers)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr, err := layout.NewManager(self, cfg.Quorum().R, store, transport, broker)
	if err != nil {
		return err
	}
	router := layout.NewRouter(mgr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tables := make(map[string]*table.Table, len(tableSchemas))
	syncers := make(map[string]*table.Syncer, len(tableSchemas))
	for _, schema := range tableSchemas {
		t, err := table.New(table.Config{
			Schema:      schema,
			Quorum:      cfg.Quorum(),
			Store:       store,
			Transport:   transport,
			Manager:     mgr,
			Router:      router,
			GracePeriod: cfg.Sync.GracePeriod,
		})
		if err != nil {
			return err
		}
		t.Run(ctx)
		tables[schema.Name] = t

		s := table.NewSyncer(t, broker, cfg.Sync.Interval, cfg.Sync.Concurrency)
		syncers[schema.Name] = s
		go s.Run(ctx)
		go table.NewGC(t, broker, 0).Run(ctx)
	}

	go mgr.Run(ctx, 0)
	go watchPeers(ctx, transport, broker)
	registerAdmin(transport, mgr, syncers)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "ok layout=%d state=%s\n", mgr.Current().Version, mgr.State())
		})
		if err := http.ListenAndServe(cfg.MetricsBind, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().
		Str("node_id", self.Short()).
		Str("rpc", cfg.RPCBind).
		Str("metrics", cfg.MetricsBind).
		Uint64("layout", mgr.Current().Version).
		Msg("Node started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	return nil
}

// watchPeers turns transport reachability changes into broker events.
func watchPeers(ctx context.Context, transport rpc.Transport, broker *events.Broker) {
	for {
		select {
		case ev, ok := <-transport.Watch():
			if !ok {
				return
			}
			typ := events.EventNodeUp
			if ev.State == rpc.PeerDown {
				typ = events.EventNodeDown
			}
			broker.Publish(&events.Event{Type: typ, Node: ev.Node})
		case <-ctx.Done():
			return
		}
	}
}

// registerAdmin installs the operator endpoints the CLI talks to.
func registerAdmin(transport rpc.Transport, mgr *layout.Manager, syncers map[string]*table.Syncer) {
	transport.Register(svcAdminLayout, func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		cur := mgr.Current()
		return json.Marshal(layoutReply{
			Version:     cur.Version,
			Hash:        cur.Hash,
			State:       mgr.State(),
			Replication: cur.Replication,
			Roles:       cur.Roles,
			Staged:      mgr.StagedRoles(),
			Acks:        mgr.Acks(),
		})
	})

	transport.Register(svcAdminStage, func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		var req stageRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("malformed stage request: %w", types.ErrProtocol)
		}
		if _, err := types.ParseNodeID(string(req.Node)); err != nil {
			return nil, fmt.Errorf("%v: %w", err, types.ErrProtocol)
		}
		err := mgr.Stage(req.Node, types.NodeRole{
			Zone:     req.Zone,
			Capacity: req.Capacity,
			Tag:      req.Tag,
			State:    req.State,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct{}{})
	})

	transport.Register(svcAdminApply, func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		var req applyRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("malformed apply request: %w", types.ErrProtocol)
		}
		v, err := mgr.Apply(req.Version)
		if err != nil {
			return nil, err
		}
		go mgr.GossipOnce(context.WithoutCancel(ctx))
		return json.Marshal(applyReply{Version: v.Version, Hash: v.Hash})
	})

	transport.Register(svcAdminStatus, func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		var req statusRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("malformed status request: %w", types.ErrProtocol)
		}
		s, ok := syncers[req.Table]
		if !ok {
			return nil, fmt.Errorf("unknown table %q: %w", req.Table, types.ErrNotFound)
		}
		var reply statusReply
		if req.Partition != nil {
			reply.Partitions = append(reply.Partitions, s.Status(types.PartitionID(*req.Partition)))
		} else {
			for p := 0; p < types.PartitionCount; p++ {
				reply.Partitions = append(reply.Partitions, s.Status(types.PartitionID(p)))
			}
		}
		return json.Marshal(reply)
	})

	transport.Register(svcAdminRepair, func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		var req repairRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("malformed repair request: %w", types.ErrProtocol)
		}
		var done []string
		for name, s := range syncers {
			if req.Table != "" && req.Table != name {
				continue
			}
			if err := s.SyncAll(ctx); err != nil {
				return nil, err
			}
			done = append(done, name)
		}
		if len(done) == 0 {
			return nil, fmt.Errorf("unknown table %q: %w", req.Table, types.ErrNotFound)
		}
		return json.Marshal(repairReply{Tables: done})
	})
}
