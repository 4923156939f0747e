package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tracklet/tracklet/internal/agentclient"
	"github.com/tracklet/tracklet/internal/cli"
	"github.com/tracklet/tracklet/internal/config"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "tracklet: %v\n", err)
		os.Exit(1)
	}
	client := agentclient.New("http://"+cfg.ListenAddr, cfg.AgentToken)
	r := cli.NewRunner(client, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
