/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Command cocained is the node service binary: it loads nodecfg,
// starts the node façade, listens for start_app/pause_app/list/enqueue
// over the service endpoint, and drains every app on SIGTERM.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cocaine-node/runtime/node"
	"github.com/cocaine-node/runtime/nodecfg"
	liblog "github.com/nabbar/golib/logger"
)

var (
	errOut = color.New(color.FgRed).SprintFunc()
	okOut  = color.New(color.FgGreen).SprintFunc()
	stdout = colorable.NewColorableStdout()

	configPath  string
	pidFile     string
	serviceAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "cocained",
		Short: "cocaine-style node service runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/cocained/cocained.yaml", "node config file")
	root.PersistentFlags().StringVar(&pidFile, "pid-file", "", "write the runtime's pid to this file and remove it on exit")
	root.PersistentFlags().StringVar(&serviceAddr, "listen", "127.0.0.1:10053", "the node service's single client-facing endpoint")

	root.AddCommand(runCmd(), appsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdout, errOut(err.Error()))
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the node service and block until SIGTERM/SIGINT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, n, err := bootstrap()
			if err != nil {
				return err
			}

			if pidFile != "" {
				if err := writePIDFile(pidFile); err != nil {
					return err
				}
				defer os.Remove(pidFile)
			}

			cfg.Watch()
			cfg.OnChange(n.ApplyDefaultProfile)

			l, err := net.Listen("tcp", serviceAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", serviceAddr, err)
			}
			defer l.Close()

			ctx := context.Background()
			srv := node.NewServer(n, func() liblog.Logger { return liblog.New(ctx) })
			go srv.Serve(l)

			fmt.Fprintln(stdout, okOut(fmt.Sprintf("cocained ready, runtime_path=%s, listen=%s", cfg.Current().RuntimePath, serviceAddr)))

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
			<-sig

			n.StopAll()
			return nil
		},
	}
}

func appsCmd() *cobra.Command {
	apps := &cobra.Command{Use: "apps", Short: "manage apps on a running node"}

	apps.AddCommand(&cobra.Command{
		Use:   "start <name> <executable>",
		Short: "register a manifest and start the app",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, n, err := bootstrap()
			if err != nil {
				return err
			}
			if err := store.Save(args[0], node.StoredManifest{Executable: args[1]}); err != nil {
				return err
			}
			if err := n.StartApp(context.Background(), args[0], nil); err != nil {
				return fmt.Errorf("%s", err.Error())
			}
			fmt.Fprintln(stdout, okOut("started "+args[0]))
			return nil
		},
	})

	apps.AddCommand(&cobra.Command{
		Use:   "pause <name>",
		Short: "drain and stop a running app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, n, err := bootstrap()
			if err != nil {
				return err
			}
			if err := n.PauseApp(args[0]); err != nil {
				return fmt.Errorf("%s", err.Error())
			}
			fmt.Fprintln(stdout, okOut("paused "+args[0]))
			return nil
		},
	})

	apps.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list running apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, n, err := bootstrap()
			if err != nil {
				return err
			}
			for _, name := range n.List() {
				fmt.Fprintln(stdout, name)
			}
			return nil
		},
	})

	return apps
}

func bootstrap() (*nodecfg.Config, *node.DirStore, *node.Node, error) {
	cfg, err := nodecfg.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	cur := cfg.Current()
	ctx := context.Background()
	log := func() liblog.Logger { return liblog.New(ctx) }

	store := node.NewDirStore(cur.StoragePath)
	registry := nodecfg.NewRegistry()

	n := node.New(cur.RuntimePath, store, registry, cur.DefaultProfile, prometheus.DefaultRegisterer, log)
	return cfg, store, n, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
