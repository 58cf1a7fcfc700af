/**
 * @description
 * Entry point for packetctl, the packet-service operator CLI. It loads the
 * service configuration the same way the server does and runs the cobra
 * command tree from internal/cli.
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/transfa/packet-service/internal/bootstrap"
	"github.com/transfa/packet-service/internal/cli"
	"github.com/transfa/packet-service/internal/config"
)

func main() {
	open := func(ctx context.Context) (cli.Operator, func(), error) {
		cfg, err := config.LoadConfig(".")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		stack, err := bootstrap.Build(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return stack.Service, stack.Close, nil
	}

	if err := cli.BuildCLI(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
