// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"renale/config"
	"renale/db"
	"renale/server"
)

var cfgFile string

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd is the only command: start the chat server.
var rootCmd = &cobra.Command{
	Use:   "renale",
	Short: "Runs the Renale chat server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			jww.FATAL.Panicf("Failed to load config: %+v", err)
		}

		initLog(cfg)

		database, err := db.New(cfg.DBPath)
		if err != nil {
			jww.FATAL.Panicf("Failed to initialize database: %+v", err)
		}
		defer database.Close()

		srv := server.New(database, &server.ServerConfig{
			Host:         cfg.Host,
			Port:         cfg.Port,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			MaxRequest:   cfg.MaxRequest,
			AllocRetries: cfg.AllocRetries,
		})

		go startControlSocket(srv, cfg.ControlSocket)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			jww.INFO.Printf("Received signal %v, shutting down", sig)
			srv.Shutdown()
			os.Remove(cfg.ControlSocket)
		}()

		if err := srv.Start(); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
	},
}

func init() {
	config.SetDefaults()

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.Flags().String("host", "127.0.0.1", "listen host")
	rootCmd.Flags().IntP("port", "p", 9789, "listen port")
	rootCmd.Flags().String("db", "renale.db", "SQLite database path")
	rootCmd.Flags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.Flags().String("log-file", "", "log file path (stdout if empty)")

	viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("db", rootCmd.Flags().Lookup("db"))
	viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("log-file", rootCmd.Flags().Lookup("log-file"))
}

func initLog(cfg *config.Config) {
	switch strings.ToLower(cfg.LogLevel) {
	case "trace":
		jww.SetStdoutThreshold(jww.LevelTrace)
	case "debug":
		jww.SetStdoutThreshold(jww.LevelDebug)
	case "warn":
		jww.SetStdoutThreshold(jww.LevelWarn)
	case "error":
		jww.SetStdoutThreshold(jww.LevelError)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			jww.WARN.Printf("Could not open log file %s: %v", cfg.LogFile, err)
			return
		}
		jww.SetLogOutput(f)
		jww.SetLogThreshold(jww.LevelDebug)
	}
}

// startControlSocket serves management commands on a unix socket.
func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		jww.WARN.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	jww.INFO.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, path)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, path string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		jww.INFO.Printf("Shutdown requested via control socket")
		srv.Shutdown()
		os.Remove(path)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
