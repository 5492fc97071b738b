package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stratakv/strata/pkg/types"
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Inspect and change the cluster layout",
}

func init() {
	layoutCmd.AddCommand(layoutShowCmd)
	layoutCmd.AddCommand(layoutAssignCmd)
	layoutCmd.AddCommand(layoutApplyCmd)

	layoutAssignCmd.Flags().StringP("zone", "z", "", "Failure zone of the node")
	layoutAssignCmd.Flags().StringP("capacity", "c", "", "Storage capacity weight (e.g. 1TB)")
	layoutAssignCmd.Flags().String("tag", "", "Human-readable tag")
	layoutAssignCmd.Flags().String("state", string(types.NodeStateActive), "Membership state (active, draining, gone)")
	layoutAssignCmd.Flags().StringP("file", "f", "", "YAML file with role assignments")

	layoutApplyCmd.Flags().Uint64("version", 0, "Expected new layout version")
}

var layoutShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current layout and staged changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply layoutReply
		if err := adminCall(cmd, svcAdminLayout, nil, &reply); err != nil {
			return err
		}

		fmt.Printf("Layout version %d (%s, replication %d)\n", reply.Version, reply.State, reply.Replication)
		fmt.Printf("Hash: %s\n\n", reply.Hash)

		printRoles("Roles:", reply.Roles)
		if len(reply.Staged) > 0 {
			fmt.Println()
			printRoles("Staged changes (run 'layout apply'):", reply.Staged)
		}
		if len(reply.Acks) > 0 {
			fmt.Println("\nSync acknowledgements:")
			ids := make([]string, 0, len(reply.Acks))
			for id := range reply.Acks {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("  %-16s  version %d\n", types.NodeID(id).Short(), reply.Acks[types.NodeID(id)])
			}
		}
		return nil
	},
}

func printRoles(header string, roles map[types.NodeID]types.NodeRole) {
	fmt.Println(header)
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		role := roles[types.NodeID(id)]
		fmt.Printf("  %-16s  zone=%-10s capacity=%-10s state=%-8s %s\n",
			types.NodeID(id).Short(), role.Zone,
			datasize.ByteSize(role.Capacity).HumanReadable(),
			role.State, role.Tag)
	}
}

// roleFile is the YAML schema accepted by 'layout assign -f'.
type roleFile struct {
	Roles []roleEntry `yaml:"roles"`
}

type roleEntry struct {
	Node     string `yaml:"node"`
	Zone     string `yaml:"zone"`
	Capacity string `yaml:"capacity"`
	Tag      string `yaml:"tag"`
	State    string `yaml:"state"`
}

var layoutAssignCmd = &cobra.Command{
	Use:   "assign [node-id]",
	Short: "Stage a role change for a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			return assignFromFile(cmd, file)
		}
		if len(args) != 1 {
			return fmt.Errorf("%w: expected exactly one node id", errInvalidArgument)
		}

		zone, _ := cmd.Flags().GetString("zone")
		capStr, _ := cmd.Flags().GetString("capacity")
		tag, _ := cmd.Flags().GetString("tag")
		state, _ := cmd.Flags().GetString("state")

		req, err := buildStageRequest(args[0], zone, capStr, tag, state)
		if err != nil {
			return err
		}
		if err := adminCall(cmd, svcAdminStage, req, nil); err != nil {
			return err
		}
		fmt.Printf("Staged role for %s\n", req.Node.Short())
		return nil
	},
}

func assignFromFile(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	var rf roleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	for _, e := range rf.Roles {
		req, err := buildStageRequest(e.Node, e.Zone, e.Capacity, e.Tag, e.State)
		if err != nil {
			return err
		}
		if err := adminCall(cmd, svcAdminStage, req, nil); err != nil {
			return err
		}
		fmt.Printf("Staged role for %s\n", req.Node.Short())
	}
	return nil
}

func buildStageRequest(node, zone, capStr, tag, state string) (*stageRequest, error) {
	id, err := types.ParseNodeID(node)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArgument, err)
	}

	nodeState := types.NodeState(state)
	if state == "" {
		nodeState = types.NodeStateActive
	}
	switch nodeState {
	case types.NodeStateActive, types.NodeStateDraining, types.NodeStateGone:
	default:
		return nil, fmt.Errorf("%w: unknown state %q", errInvalidArgument, state)
	}

	var capacity datasize.ByteSize
	if capStr != "" {
		if err := capacity.UnmarshalText([]byte(capStr)); err != nil {
			return nil, fmt.Errorf("%w: bad capacity %q: %v", errInvalidArgument, capStr, err)
		}
	}
	if nodeState == types.NodeStateActive && capacity == 0 {
		return nil, fmt.Errorf("%w: active nodes need a capacity", errInvalidArgument)
	}

	return &stageRequest{
		Node:     id,
		Zone:     zone,
		Capacity: capacity.Bytes(),
		Tag:      tag,
		State:    nodeState,
	}, nil
}

var layoutApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Compute and activate a new layout from the staged roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetUint64("version")
		var reply applyReply
		if err := adminCall(cmd, svcAdminApply, &applyRequest{Version: version}, &reply); err != nil {
			return err
		}
		fmt.Printf("Layout version %d activated\nHash: %s\n", reply.Version, reply.Hash)
		return nil
	},
}
