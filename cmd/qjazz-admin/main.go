// qjazz-admin is the command-line client for a qjazz-server backend's Admin
// gRPC service: cache management, catalog listing, configuration and
// diagnostics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/3liz/qjazz-gateway/internal/rpc"
	"github.com/3liz/qjazz-gateway/internal/wire"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qjazz-admin",
	Short: "Administrative client for a qjazz backend server",
}

func init() {
	rootCmd.PersistentFlags().String("server", "127.0.0.1:23456", "Backend server address")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "RPC timeout")

	cacheCmd.AddCommand(cacheListCmd, cacheCheckoutCmd, cacheDropCmd, cacheClearCmd, cacheUpdateCmd)
	rootCmd.AddCommand(pingCmd, cacheCmd, catalogCmd, configCmd, envCmd, statsCmd, sleepCmd)
}

// connect dials the backend named by --server and returns the connection
// plus a context bounded by --timeout.
func connect(cmd *cobra.Command) (*grpc.ClientConn, context.Context, context.CancelFunc, error) {
	addr, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.Codec.Name())),
	)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return conn, ctx, cancel, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping a worker through the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		var reply map[string]string
		if err := rpc.AdminUnary(ctx, conn, "Ping", wire.PingMsg{MsgID: wire.MsgPing, Echo: "pong"}, &reply); err != nil {
			return err
		}
		printJSON(reply)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage worker project caches",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects resident in every worker's cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		infos, err := rpc.AdminListCache(ctx, conn)
		if err != nil {
			return err
		}
		printJSON(infos)
		return nil
	},
}

var cacheCheckoutCmd = &cobra.Command{
	Use:   "checkout <uri>",
	Short: "Dry-checkout a project, or pull it into the cache with --pull",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pull, _ := cmd.Flags().GetBool("pull")
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		var info wire.CacheInfo
		req := wire.CheckoutProjectMsg{MsgID: wire.MsgCheckoutProject, URI: args[0], Pull: pull}
		if err := rpc.AdminUnary(ctx, conn, "CheckoutProject", req, &info); err != nil {
			return err
		}
		printJSON(info)
		return nil
	},
}

var cacheDropCmd = &cobra.Command{
	Use:   "drop <uri>",
	Short: "Drop a project from the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		var info wire.CacheInfo
		req := wire.DropProjectMsg{MsgID: wire.MsgDropProject, URI: args[0]}
		if err := rpc.AdminUnary(ctx, conn, "DropProject", req, &info); err != nil {
			return err
		}
		printJSON(info)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the whole cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()
		return rpc.AdminUnary(ctx, conn, "ClearCache", wire.ClearCacheMsg{MsgID: wire.MsgClearCache}, nil)
	},
}

var cacheUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Refresh every cached project against its storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()
		return rpc.AdminUnary(ctx, conn, "UpdateCache", wire.UpdateCacheMsg{MsgID: wire.MsgUpdateCache}, nil)
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog [location]",
	Short: "List the projects available under the configured search paths",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		location := ""
		if len(args) == 1 {
			location = args[0]
		}
		items, err := rpc.AdminCatalog(ctx, conn, location)
		if err != nil {
			return err
		}
		printJSON(items)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Dump the worker's current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		var reply map[string]any
		if err := rpc.AdminUnary(ctx, conn, "GetConfig", wire.GetConfigMsg{MsgID: wire.MsgGetConfig}, &reply); err != nil {
			return err
		}
		printJSON(reply)
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Dump the worker's environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		var reply []string
		if err := rpc.AdminUnary(ctx, conn, "GetEnv", wire.GetEnvMsg{MsgID: wire.MsgEnv}, &reply); err != nil {
			return err
		}
		printJSON(reply)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report worker statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()

		var reply map[string]any
		if err := rpc.AdminUnary(ctx, conn, "Stats", wire.PingMsg{MsgID: wire.MsgStats}, &reply); err != nil {
			return err
		}
		printJSON(reply)
		return nil
	},
}

var sleepCmd = &cobra.Command{
	Use:    "sleep <seconds>",
	Short:  "Hold a worker busy for a number of seconds (test fixture)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var delay int
		if _, err := fmt.Sscanf(args[0], "%d", &delay); err != nil {
			return err
		}
		conn, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Close()
		return rpc.AdminUnary(ctx, conn, "Sleep", wire.SleepMsg{MsgID: wire.MsgSleep, Delay: delay}, nil)
	},
}

func init() {
	cacheCheckoutCmd.Flags().Bool("pull", false, "Load the project into the cache (pinned)")
}
