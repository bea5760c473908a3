// Command keepalive-rpc is the process bootstrap: it runs a demo RPC server
// or issues one-shot calls against a running one.
//
// Configuration comes from flags or from the environment with the KRPC_
// prefix (e.g. KRPC_TIMEOUT_MS). Defaults: 2000ms socket timeout, 30000ms
// idle eviction.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"keepalive-rpc/client"
	"keepalive-rpc/middleware"
	"keepalive-rpc/registry"
	"keepalive-rpc/server"
)

const version = "0.1.0"

// Echo is the demo service the serve command registers: it returns whatever
// it is sent, or "pong" for an empty message.
type Echo struct{}

type EchoArgs struct {
	Message string `json:"message"`
}

type EchoReply struct {
	Message string `json:"message"`
}

func (e *Echo) Ping(args *EchoArgs, reply *EchoReply) error {
	if args.Message == "" {
		reply.Message = "pong"
		return nil
	}
	reply.Message = args.Message
	return nil
}

func newRegistry() (registry.Registry, error) {
	endpoints := viper.GetString("etcd")
	if endpoints == "" {
		return nil, nil
	}
	return registry.NewEtcdRegistry(strings.Split(endpoints, ","))
}

func main() {
	viper.SetEnvPrefix("krpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "keepalive-rpc",
		Short: "RPC over persistent, keep-alive negotiated connections",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keepalive-rpc v%s\n", version)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an RPC server with the demo Echo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			svr := server.NewServer()
			svr.SetLogger(logger)
			svr.Use(middleware.LoggingMiddleware(logger))
			svr.GrantKeepAlive(viper.GetBool("keep-alive"))
			if err := svr.Register(&Echo{}); err != nil {
				return err
			}

			reg, err := newRegistry()
			if err != nil {
				return err
			}

			if addr := viper.GetString("metrics-addr"); addr != "" {
				http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
					metrics.WritePrometheus(w, true)
				})
				go func() {
					if err := http.ListenAndServe(addr, nil); err != nil {
						logger.Warn("metrics endpoint failed", zap.Error(err))
					}
				}()
			}

			listen := viper.GetString("listen")
			advertise := viper.GetString("advertise")
			logger.Info("serving", zap.String("listen", listen))
			return svr.Serve("tcp", listen, advertise, reg)
		},
	}
	serveCmd.Flags().String("listen", ":9000", "listen address")
	serveCmd.Flags().String("advertise", "127.0.0.1:9000", "address registered in etcd")
	serveCmd.Flags().Bool("keep-alive", true, "grant keep-alive connections")
	serveCmd.Flags().String("etcd", "", "comma-separated etcd endpoints (empty: no registry)")
	serveCmd.Flags().String("metrics-addr", "", "address for the Prometheus /metrics endpoint (empty: disabled)")

	callCmd := &cobra.Command{
		Use:   "call",
		Short: "Invoke a method on a remote service and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg, err := newRegistry()
			if err != nil {
				return err
			}
			var resolver registry.Resolver
			if reg != nil {
				resolver = reg
			}

			cli := client.New(client.Options{
				Timeout:     time.Duration(viper.GetInt("timeout-ms")) * time.Millisecond,
				IdleTimeout: time.Duration(viper.GetInt("idle-timeout-ms")) * time.Millisecond,
				Logger:      logger,
				Resolver:    resolver,
			})
			defer cli.Shutdown()

			callArgs := json.RawMessage(viper.GetString("args"))
			if !json.Valid(callArgs) {
				return fmt.Errorf("--args must be valid JSON")
			}

			value, err := cli.Invoke(
				viper.GetString("addr"),
				viper.GetString("service"),
				viper.GetString("method"),
				callArgs,
			)
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
	callCmd.Flags().String("addr", "", "server address (empty: resolve via etcd)")
	callCmd.Flags().String("service", "Echo", "service identifier")
	callCmd.Flags().String("method", "Ping", "method name")
	callCmd.Flags().String("args", "{}", "argument payload as JSON")
	callCmd.Flags().Int("timeout-ms", 2000, "socket timeout in milliseconds")
	callCmd.Flags().Int("idle-timeout-ms", 30000, "idle eviction duration in milliseconds")

	rootCmd.AddCommand(versionCmd, serveCmd, callCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
