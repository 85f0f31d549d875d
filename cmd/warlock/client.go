package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/warlock/pkg/client"
	"github.com/cuemby/warlock/pkg/kv"
	"github.com/cuemby/warlock/pkg/log"
	"github.com/cuemby/warlock/pkg/protocol"
	"github.com/cuemby/warlock/pkg/server"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const callTimeout = 10 * time.Second

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, pingCmd, triggerCmd, subscribeCmd, kvCmd, execCmd, cancelCmd} {
		cmd.Flags().String("addr", "localhost:13080", "Server address")
		cmd.Flags().String("key", os.Getenv("WARLOCK_ADMIN_KEY"), "Admin access key")
		cmd.Flags().Bool("encode", false, "Base64 encode packets")
		cmd.Flags().String("path", protocol.DefaultPath, "WebSocket endpoint path")
		rootCmd.AddCommand(cmd)
	}

	triggerCmd.Flags().Bool("echo", false, "Deliver the event to this client too")
	subscribeCmd.Flags().String("filter", "", "JSON filter on the event data")

	kvCmd.Flags().StringP("namespace", "n", "", "Key namespace")
	kvCmd.Flags().Int64("ttl", 0, "Time to live in seconds")
	kvCmd.Flags().Int64("step", 1, "Step of incr and decr")

	execCmd.Flags().String("tag", "", "Task tag")
	execCmd.Flags().Int("delay", 0, "Run after this many seconds")
	execCmd.Flags().String("cron", "", "Run on this schedule")
	execCmd.Flags().Int("timeout", 0, "Kill the command after this many seconds")
	execCmd.Flags().Bool("overwrite", false, "Replace a task with the same tag")

	cancelCmd.Flags().Bool("tag", false, "Cancel every task with this tag")
}

// connect dials the server named by the command's flags. A key makes the
// connection an admin.
func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("key")
	encode, _ := cmd.Flags().GetBool("encode")
	path, _ := cmd.Flags().GetString("path")

	opts := client.Options{Name: "warlock-cli", Encode: encode, Path: path, Logger: log.Logger}
	if key != "" {
		opts.Type = "admin"
		opts.AccessKey = key
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return client.Dial(ctx, addr, opts)
}

func callCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), callTimeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status (needs --key)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := callCtx(cmd)
		defer cancel()
		var st server.Status
		if err := c.Status(ctx, &st); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server:     %s (%s)\n", st.Name, st.ID)
		fmt.Fprintf(out, "Version:    %s\n", st.Version)
		fmt.Fprintf(out, "Started:    %s\n", humanize.Time(st.Started))
		fmt.Fprintf(out, "PID:        %d\n", st.PID)
		fmt.Fprintf(out, "Memory:     %s\n", humanize.Bytes(st.Memory))
		fmt.Fprintf(out, "CPU:        %.1f%%\n", st.CPU)
		fmt.Fprintf(out, "Tasks:      %d queued, %d processes, %s runs, %s failed\n",
			st.Tasks.Tasks, st.Tasks.Processes, humanize.Comma(st.Tasks.Execs), humanize.Comma(st.Tasks.Failed))
		fmt.Fprintf(out, "Events:     %s triggered, %s delivered\n",
			humanize.Comma(st.Events.Triggered), humanize.Comma(st.Events.Delivered))
		if st.Cluster != "" {
			fmt.Fprintf(out, "Cluster:    %s\n", st.Cluster)
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		if len(st.Clients) > 0 {
			fmt.Fprintln(tw, "\nCLIENT\tTYPE\tNAME\tCONNECTED\tSUBSCRIPTIONS")
			for _, cs := range st.Clients {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cs.ID, cs.Type, cs.Name, humanize.Time(cs.Since), strings.Join(cs.Subscriptions, ","))
			}
		}
		if len(st.Services) > 0 {
			fmt.Fprintln(tw, "\nSERVICE\tENABLED\tSTATUS\tPID\tRESTARTS")
			for _, s := range st.Services {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%d\n", s.Name, s.Enabled, s.Status, s.PID, s.Restarts)
			}
		}
		if len(st.Peers) > 0 {
			fmt.Fprintln(tw, "\nPEER\tSTATUS\tLAST ATTEMPT")
			for _, p := range st.Peers {
				last := "never"
				if !p.LastAttempt.IsZero() {
					last = humanize.Time(p.LastAttempt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Status, last)
			}
		}
		return tw.Flush()
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the round trip to a server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		rtt, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s in %s\n", c.CID(), rtt)
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger EVENT [JSON]",
	Short: "Trigger an event",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data any
		if len(args) == 2 {
			data = json.RawMessage(args[1])
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("event data is not valid JSON")
			}
		}
		echo, _ := cmd.Flags().GetBool("echo")

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		return c.Trigger(ctx, args[0], data, echo)
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe EVENT",
	Short: "Print events as they are triggered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter any
		if f, _ := cmd.Flags().GetString("filter"); f != "" {
			if !json.Valid([]byte(f)) {
				return fmt.Errorf("filter is not valid JSON")
			}
			filter = json.RawMessage(f)
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := c.Subscribe(ctx, args[0], filter); err != nil {
			return err
		}
		for {
			ev, err := c.NextEvent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := printJSON(cmd, ev); err != nil {
				return err
			}
		}
	},
}

var kvCmd = &cobra.Command{
	Use:   "kv OP [KEY] [JSON]",
	Short: "Run a key value command",
	Long: `Run a key value command. OP is one of get, set, has, del, list, clear,
pull, push, pop, shift, unshift, count, incr, decr, keys or vals.

Examples:
  warlock kv set greeting '"hello"' --ttl 60
  warlock kv get greeting
  warlock kv incr builds --step 2
  warlock kv keys -n deploy`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := protocol.ParsePacketType("KV" + args[0])
		if err != nil || t.Category() != protocol.CategoryStorage {
			return fmt.Errorf("unknown kv command %q", args[0])
		}
		req := kv.Request{}
		req.Namespace, _ = cmd.Flags().GetString("namespace")
		req.TTL, _ = cmd.Flags().GetInt64("ttl")
		if cmd.Flags().Changed("step") {
			step, _ := cmd.Flags().GetInt64("step")
			req.Step = &step
		}
		if len(args) > 1 {
			req.Key = args[1]
		}
		if len(args) > 2 {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("value is not valid JSON")
			}
			req.Value = json.RawMessage(args[2])
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()

		var out json.RawMessage
		if err := c.KV(ctx, t, req, &out); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		return printJSON(cmd, out)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec COMMAND [ARGS...]",
	Short: "Run a command on the server (needs --key)",
	Long: `Run a command on the server now, after --delay seconds or on the
--cron schedule. The task id is printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := protocol.ExecRequest{Command: args[0], Args: args[1:]}
		req.Tag, _ = cmd.Flags().GetString("tag")
		req.Delay, _ = cmd.Flags().GetInt("delay")
		req.Cron, _ = cmd.Flags().GetString("cron")
		req.Timeout, _ = cmd.Flags().GetInt("timeout")
		req.Overwrite, _ = cmd.Flags().GetBool("overwrite")

		t := protocol.EXEC
		switch {
		case req.Cron != "" && req.Delay > 0:
			return fmt.Errorf("--cron and --delay are exclusive")
		case req.Cron != "":
			t = protocol.SCHEDULE
		case req.Delay > 0:
			t = protocol.DELAY
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()

		pkt, err := c.Call(ctx, t, req, protocol.OK)
		if err != nil {
			return err
		}
		var ok protocol.OKPayload
		if err := pkt.Decode(&ok); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok.TaskID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task by id or tag (needs --key)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := protocol.CancelRequest{ID: args[0]}
		if byTag, _ := cmd.Flags().GetBool("tag"); byTag {
			req = protocol.CancelRequest{Tag: args[0]}
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := callCtx(cmd)
		defer cancel()
		_, err = c.Call(ctx, protocol.CANCEL, req, protocol.OK)
		return err
	},
}
