package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/appmgr"
)

// apiClient resolves the daemon URL from --api-url, else from the config's
// server section.
func apiClient(flags *GlobalFlags) (*APIClient, error) {
	if flags.APIUrl != "" {
		return NewAPIClient(flags.APIUrl, flags.APITimeout), nil
	}
	cfg, err := appmgr.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	host := cfg.Server.Listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return NewAPIClient("http://"+host+cfg.Server.BasePath, flags.APITimeout), nil
}

// printJSON indents data when it is JSON and writes it as is otherwise.
func printJSON(w io.Writer, data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, _ = w.Write(data)
		return
	}
	buf.WriteByte('\n')
	_, _ = w.Write(buf.Bytes())
}

func createGetCommand(flags *GlobalFlags, use, short, path string, raw bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			data, err := c.Get(path)
			if err != nil {
				return err
			}
			if raw {
				_, _ = cmd.OutOrStdout().Write(data)
				return nil
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func createSnapshotCommand(flags *GlobalFlags) *cobra.Command {
	return createGetCommand(flags, "snapshot", "Print processes, abilities, connections and calls", "/snapshot", false)
}

func createDumpCommand(flags *GlobalFlags) *cobra.Command {
	return createGetCommand(flags, "dump", "Print the connection and call dump", "/dump", true)
}

func createTasksCommand(flags *GlobalFlags) *cobra.Command {
	return createGetCommand(flags, "tasks", "Print pending scheduler tasks", "/tasks", false)
}

func createHistoryCommand(flags *GlobalFlags) *cobra.Command {
	return createGetCommand(flags, "history", "Print recent lifecycle events", "/history", false)
}

// KillFlags selects what the kill command targets.
type KillFlags struct {
	Bundle string
	PID    int
	Reason string
}

func createKillCommand(flags *GlobalFlags) *cobra.Command {
	kf := &KillFlags{}
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Kill the processes of a bundle or a single pid",
		Long: `Kill the processes of a bundle or a single tracked pid.

Examples:
  appmgr kill --bundle=com.example.demo
  appmgr kill --pid=4242 --reason=stuck`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (kf.Bundle == "") == (kf.PID <= 0) {
				return errors.New("exactly one of --bundle or --pid is required")
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			var data []byte
			if kf.Bundle != "" {
				data, err = c.KillBundle(kf.Bundle)
			} else {
				data, err = c.KillPID(kf.PID, kf.Reason)
			}
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&kf.Bundle, "bundle", "", "bundle name")
	cmd.Flags().IntVar(&kf.PID, "pid", 0, "process id")
	cmd.Flags().StringVar(&kf.Reason, "reason", "", "kill reason recorded in history")
	return cmd
}

func createMemoryLevelCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "memory-level <level>",
		Short: "Notify every attached process of a memory level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[0])
			if err != nil || level < 0 {
				return fmt.Errorf("invalid level %q", args[0])
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			data, err := c.MemoryLevel(level)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func createConfigureCommand(flags *GlobalFlags) *cobra.Command {
	var user int
	cmd := &cobra.Command{
		Use:   "configure <key=value>...",
		Short: "Push configuration items to running processes",
		Example: "  appmgr configure system.language=en\n" +
			"  appmgr configure system.colorMode=dark --user 100",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok || k == "" {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				items[k] = v
			}
			var userID *int
			if cmd.Flags().Changed("user") {
				userID = &user
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			data, err := c.UpdateConfiguration(items, userID)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVar(&user, "user", 0, "only processes of this user (default all)")
	return cmd
}

func createRepairPatchCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "repair-patch <load|unload|hot-reload> <bundle>",
		Short:     "Tell the processes of a bundle to load or unload its repair patch",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"load", "unload", "hot-reload"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "load", "unload", "hot-reload":
			default:
				return fmt.Errorf("expected load, unload or hot-reload, got %q", args[0])
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			data, err := c.RepairPatch(args[0], args[1])
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func createIgnoreTimeoutsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "ignore-timeouts <on|off>",
		Short:     "Switch timeout handling off for debugging, or back on",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var v bool
			switch args[0] {
			case "on":
				v = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			data, err := c.SetIgnoreTimeouts(v)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}
