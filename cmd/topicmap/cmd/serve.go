package cmd

import (
	"github.com/spf13/cobra"

	"github.com/soika/topicmap/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve topics and run history to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx, resolved.Settings.Sink.Table); err != nil {
			return err
		}

		log.Info("serving MCP over stdio", "driver", db.Driver())
		return mcp.ServeStdio(mcp.NewServer(mcp.ServerConfig{
			DB:        db,
			SinkTable: resolved.Settings.Sink.Table,
			Version:   version,
		}))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
