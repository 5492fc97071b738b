package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Trigger an immediate anti-entropy pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		tableName, _ := cmd.Flags().GetString("table")
		var reply repairReply
		if err := adminCall(cmd, svcAdminRepair, &repairRequest{Table: tableName}, &reply); err != nil {
			return err
		}
		fmt.Printf("Repaired tables: %s\n", strings.Join(reply.Tables, ", "))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show partition health for a table",
	RunE: func(cmd *cobra.Command, args []string) error {
		tableName, _ := cmd.Flags().GetString("table")
		partition, _ := cmd.Flags().GetInt("partition")

		req := &statusRequest{Table: tableName}
		if partition >= 0 {
			req.Partition = &partition
		}
		var reply statusReply
		if err := adminCall(cmd, svcAdminStatus, req, &reply); err != nil {
			return err
		}

		divergent := 0
		synced := 0
		for _, st := range reply.Partitions {
			if st.Divergent > 0 {
				divergent++
			}
			if len(st.LastSync) > 0 {
				synced++
			}
		}
		fmt.Printf("Table %s: %d partitions, %d synced at least once, %d divergent\n",
			tableName, len(reply.Partitions), synced, divergent)

		for _, st := range reply.Partitions {
			if partition < 0 && st.Divergent == 0 {
				continue
			}
			fmt.Printf("  partition %3d  replicas=%d catching_up=%d divergent=%d\n",
				st.Partition, len(st.Replicas), len(st.CatchingUp), st.Divergent)
			for peer, ts := range st.LastSync {
				fmt.Printf("    synced with %s at %s\n", peer.Short(), ts.Format("2006-01-02 15:04:05"))
			}
		}
		return nil
	},
}

func init() {
	repairCmd.Flags().String("table", "", "Table to repair (default: all)")
	statusCmd.Flags().String("table", "objects", "Table to inspect")
	statusCmd.Flags().Int("partition", -1, "Single partition to inspect")
}
