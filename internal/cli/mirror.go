package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/config"
	"github.com/ppiankov/rootwatch/internal/mirror"
)

var (
	mirrorDir      string
	mirrorGRPCAddr string
	mirrorHTTPAddr string
)

func init() {
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.AddCommand(mirrorServeCmd)
	mirrorServeCmd.Flags().StringVar(&mirrorDir, "dir", "", "Directory for received logs (default ~/.rootwatch/mirror)")
	mirrorServeCmd.Flags().StringVar(&mirrorGRPCAddr, "grpc", "127.0.0.1:7443", "gRPC listen address (empty disables)")
	mirrorServeCmd.Flags().StringVar(&mirrorHTTPAddr, "http", "", "HTTP listen address (empty disables)")
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Remote audit mirror",
}

var mirrorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive mirrored audit lines and verify their chains",
	Long: "Accepts audit lines over gRPC (rootwatch.mirror.v1.AuditMirror/Append) and/or\n" +
		"HTTP POST, checks each against the sender's chain and appends accepted lines\n" +
		"to <dir>/<source>.jsonl. Broken chains are rejected.",
	Args: cobra.NoArgs,
	RunE: runMirrorServe,
}

func runMirrorServe(cmd *cobra.Command, args []string) error {
	if mirrorGRPCAddr == "" && mirrorHTTPAddr == "" {
		return configError(errors.New("enable at least one of --grpc or --http"))
	}
	dir := mirrorDir
	if dir == "" {
		dir = filepath.Join(config.Dir(), "mirror")
	}
	logger := slog.Default()

	srv, err := mirror.NewServer(dir, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	if mirrorGRPCAddr != "" {
		lis, err := net.Listen("tcp", mirrorGRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", mirrorGRPCAddr, err)
		}
		logger.Info("mirror gRPC listening", "addr", lis.Addr().String(), "dir", dir)
		go func() { errc <- srv.ServeGRPC(lis) }()
		defer srv.GracefulStop()
	}
	var httpSrv *http.Server
	if mirrorHTTPAddr != "" {
		httpSrv = &http.Server{Addr: mirrorHTTPAddr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
		logger.Info("mirror HTTP listening", "addr", mirrorHTTPAddr, "dir", dir)
		go func() {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("mirror shutting down")
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	}
	return nil
}
