package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratakv/strata/pkg/layout"
	"github.com/stratakv/strata/pkg/rpc"
	"github.com/stratakv/strata/pkg/table"
	"github.com/stratakv/strata/pkg/types"
)

// Admin RPC services exposed by a running node for the operator tool.
const (
	svcAdminLayout = "admin.layout"
	svcAdminStage  = "admin.stage"
	svcAdminApply  = "admin.apply"
	svcAdminStatus = "admin.status"
	svcAdminRepair = "admin.repair"
)

type layoutReply struct {
	Version     uint64                  `json:"version"`
	Hash        string                  `json:"hash"`
	State       string                  `json:"state"`
	Replication int                     `json:"replication"`
	Roles       layout.Roles            `json:"roles"`
	Staged      layout.Roles            `json:"staged,omitempty"`
	Acks        map[types.NodeID]uint64 `json:"acks,omitempty"`
}

type stageRequest struct {
	Node     types.NodeID    `json:"node"`
	Zone     string          `json:"zone"`
	Capacity uint64          `json:"capacity"`
	Tag      string          `json:"tag,omitempty"`
	State    types.NodeState `json:"state"`
}

type applyRequest struct {
	Version uint64 `json:"version"`
}

type applyReply struct {
	Version uint64 `json:"version"`
	Hash    string `json:"hash"`
}

type statusRequest struct {
	Table     string `json:"table"`
	Partition *int   `json:"partition,omitempty"`
}

type statusReply struct {
	Partitions []*table.PartitionStatus `json:"partitions"`
}

type repairRequest struct {
	Table string `json:"table"`
}

type repairReply struct {
	Tables []string `json:"tables"`
}

// adminTarget is the pseudo peer id the CLI registers for the node it
// talks to.
const adminTarget types.NodeID = "admin-target"

// dialAdmin builds a client-only transport pointed at the node from
// the --addr/--secret flags.
func dialAdmin(cmd *cobra.Command) (*rpc.GRPCTransport, error) {
	addr, _ := cmd.Flags().GetString("addr")
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv("STRATA_RPC_SECRET")
	}

	tr, err := rpc.NewGRPCTransport(rpc.GRPCConfig{
		Self:   "cli",
		Secret: secret,
	})
	if err != nil {
		return nil, err
	}
	tr.UpdatePeers(map[types.NodeID]string{adminTarget: addr})
	return tr, nil
}

// adminCall performs one admin request/reply round trip.
func adminCall(cmd *cobra.Command, service string, req, reply interface{}) error {
	tr, err := dialAdmin(cmd)
	if err != nil {
		return err
	}
	defer tr.Close()

	var body []byte
	if req != nil {
		body, err = json.Marshal(req)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	out, err := tr.Call(ctx, adminTarget, service, body)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(out, reply); err != nil {
		return fmt.Errorf("malformed reply from node: %w", err)
	}
	return nil
}
