package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Maphikza/truth-machine/internal/api"
	"github.com/Maphikza/truth-machine/internal/config"
	"github.com/Maphikza/truth-machine/internal/ipc"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/service"
	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "truthmachine",
	Short: "Truth Machine digest timestamping service",
	Long: `Commits SHA-256 digests of uploaded data to the ledger using prepaid
hash puzzle tokens and proves their existence later.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	addressCmd.Flags().Bool("copy", false, "copy the address to the clipboard")
	stalledCmd.Flags().String("clear", "", "return a stalled transaction to the resolve queue")
	adminTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fundCmd)
	rootCmd.AddCommand(treasuryCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(stalledCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(adminTokenCmd)
}

func initConfig() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if err := logger.Init(viper.GetString("log_file")); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// viaControl forwards a command to a running server. It reports false when
// no server is listening.
func viaControl(command string, args ...string) (bool, error) {
	path := viper.GetString("control_socket")
	if path == "" {
		return false, nil
	}
	client, err := ipc.NewClient(path)
	if err != nil {
		return false, nil
	}
	defer client.Close()

	var out json.RawMessage
	if err := client.SendCommand(command, args, &out); err != nil {
		return true, err
	}
	return true, printJSON(out)
}

// withService builds the service, runs fn and releases the service.
func withService(fn func(ctx context.Context, svc *service.Service) error) error {
	settings, err := config.Current()
	if err != nil {
		return err
	}
	svc, err := service.New(settings)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, svc)
}

// rotateOnHangup truncates the log file on SIGHUP until ctx ends.
func rotateOnHangup(ctx context.Context, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logger.RotateLog(path); err != nil {
				log.Printf("Failed to rotate log: %v", err)
				continue
			}
			logger.Info("Log file rotated", "path", path)
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the confirmation scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *service.Service) error {
			go rotateOnHangup(ctx, svc.Settings.LogFile)
			log.Printf("Truth Machine listening on :%d", svc.Settings.APIPort)
			return svc.Serve(ctx)
		})
	},
}

var fundCmd = &cobra.Command{
	Use:   "fund [count]",
	Short: "Mint tokens from the treasury balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid count %q", args[0])
		}
		if ok, err := viaControl(service.CmdFund, args[0]); ok {
			return err
		}
		return withService(func(ctx context.Context, svc *service.Service) error {
			res, err := svc.Treasury.Fund(ctx, count)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var treasuryCmd = &cobra.Command{
	Use:   "treasury",
	Short: "Show the treasury balance and token pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := viaControl(service.CmdTreasury); ok {
			return err
		}
		return withService(func(ctx context.Context, svc *service.Service) error {
			st, err := svc.Treasury.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run one confirmation pass over pending transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := viaControl(service.CmdResolve); ok {
			return err
		}
		return withService(func(ctx context.Context, svc *service.Service) error {
			outcomes, err := svc.Tracker.ResolvePending(ctx)
			if err != nil {
				return err
			}
			return printJSON(outcomes)
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [txid-or-digest]",
	Short: "Check the integrity of a commitment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := viaControl(service.CmdVerify, args[0]); ok {
			return err
		}
		return withService(func(ctx context.Context, svc *service.Service) error {
			res, err := svc.Verifier.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var stalledCmd = &cobra.Command{
	Use:   "stalled",
	Short: "List transactions that exhausted their resolve attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		txid, _ := cmd.Flags().GetString("clear")
		if txid != "" {
			if ok, err := viaControl(service.CmdUnstall, txid); ok {
				return err
			}
			return withService(func(ctx context.Context, svc *service.Service) error {
				if err := svc.Store.Unstall(ctx, txid); err != nil {
					return err
				}
				fmt.Printf("%s returned to the resolve queue\n", txid)
				return nil
			})
		}

		if ok, err := viaControl(service.CmdStalled); ok {
			return err
		}
		return withService(func(ctx context.Context, svc *service.Service) error {
			txids, err := svc.Store.StalledTxIDs(ctx)
			if err != nil {
				return err
			}
			return printJSON(txids)
		})
	},
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the treasury funding address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Current()
		if err != nil {
			return err
		}
		key, err := service.LoadKey(settings)
		if err != nil {
			return err
		}
		addr := key.Address.EncodeAddress()
		fmt.Println(addr)

		if copyAddr, _ := cmd.Flags().GetBool("copy"); copyAddr {
			if err := clipboard.WriteAll(addr); err != nil {
				return fmt.Errorf("failed to copy address to clipboard: %v", err)
			}
			fmt.Println("Address copied to clipboard.")
		}
		return nil
	},
}

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint a JWT for the admin routes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("admin_jwt_secret")
		if secret == "" {
			return fmt.Errorf("admin_jwt_secret is not configured; admin routes are open")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := api.GenerateJWT([]byte(secret), "admin", ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}
