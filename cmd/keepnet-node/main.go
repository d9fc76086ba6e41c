// cmd/keepnet-node is the CLI entry point for running and operating a
// keepnet peer: joining the network as a long-lived daemon, running one-shot
// store/retrieve/audit operations on a short-lived node of their own, and
// reporting whether the daemon is running.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ssd-technologies/keepnet/internal/config"
	"github.com/ssd-technologies/keepnet/internal/identity"
	"github.com/ssd-technologies/keepnet/internal/node"
	"github.com/ssd-technologies/keepnet/internal/shard"
)

func main() {
	root := &cobra.Command{
		Use:   "keepnet-node",
		Short: "Peer node for the keepnet shard-storage network",
	}
	config.BindFlags(root)

	root.AddCommand(
		newJoinCmd(),
		newStoreCmd(),
		newRetrieveCmd(),
		newAuditCmd(),
		newStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join the network and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, "")
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)

			pidFile := filepath.Join(cfg.DataDir, "node.pid")
			if err := checkNotAlreadyRunning(pidFile); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			kp, err := identity.GenerateOrLoad(cfg.DataDir, cfg.KeyPassphrase)
			if err != nil {
				return fmt.Errorf("load keystore: %w", err)
			}

			n, err := node.New(node.Config{
				KeyPair:  kp,
				BindAddr: cfg.BindAddr,
				DataDir:  cfg.DataDir,
				Seeds:    cfg.Seeds,
				Log:      log,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := n.Join(ctx); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			defer os.Remove(pidFile)

			log.WithField("contact", n.Contact().String()).Info("joined network")
			fmt.Printf("Node ID: %s\nContact: %s\n", n.NodeID(), n.Contact().String())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Println("\nShutting down...")
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer leaveCancel()
			return n.Leave(leaveCtx)
		},
	}
}

func newStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store [file]",
		Short: "Store a file's contents as a shard on the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			return withOneShotNode(cmd, func(ctx context.Context, n *node.Node, cfg *config.Config) error {
				hash, err := n.Store(ctx, data, cfg.StoreDuration)
				if err != nil {
					return err
				}
				fmt.Println(hash.String())
				return nil
			})
		},
	}
}

func newRetrieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve [hash] [outfile]",
		Short: "Retrieve a shard by its content hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := shard.ParseHex(args[0])
			if err != nil {
				return fmt.Errorf("bad hash %q: %w", args[0], err)
			}
			return withOneShotNode(cmd, func(ctx context.Context, n *node.Node, cfg *config.Config) error {
				data, err := n.Retrieve(ctx, hash)
				if err != nil {
					return err
				}
				return os.WriteFile(args[1], data, 0o600)
			})
		},
	}
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [hash]",
		Short: "Challenge the farmer holding a shard for continued possession",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := shard.ParseHex(args[0])
			if err != nil {
				return fmt.Errorf("bad hash %q: %w", args[0], err)
			}
			return withOneShotNode(cmd, func(ctx context.Context, n *node.Node, cfg *config.Config) error {
				ok, err := n.Audit(ctx, hash)
				if err != nil {
					return err
				}
				fmt.Println(ok)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a joined node is currently running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, "")
			if err != nil {
				return err
			}
			pidFile := filepath.Join(cfg.DataDir, "node.pid")
			pid, running := readRunningPID(pidFile)
			if !running {
				fmt.Println("status: offline")
				return nil
			}
			fmt.Printf("status: online (pid %d)\n", pid)
			return nil
		},
	}
}

// withOneShotNode joins a Node purely to perform a single store/retrieve/
// audit call and leaves immediately after: spec.md's Node façade is a
// library composing the RPC-authenticated protocols, not an out-of-process
// control API, so a CLI command drives its own short-lived instance rather
// than messaging the long-running `join` daemon.
func withOneShotNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node, cfg *config.Config) error) error {
	cfg, err := config.Load(cmd, "")
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	kp, err := identity.GenerateOrLoad(cfg.DataDir, cfg.KeyPassphrase)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	n, err := node.New(node.Config{
		KeyPair:  kp,
		BindAddr: "127.0.0.1:0",
		DataDir:  cfg.DataDir,
		Seeds:    cfg.Seeds,
		Log:      log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := n.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer leaveCancel()
		_ = n.Leave(leaveCtx)
	}()

	return fn(ctx, n, cfg)
}

func checkNotAlreadyRunning(pidFile string) error {
	if pid, running := readRunningPID(pidFile); running {
		return fmt.Errorf("node already running (pid %d)", pid)
	}
	return nil
}

func readRunningPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func newLogger(level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logLevel(level))
	return logrus.NewEntry(logger)
}

func logLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}
