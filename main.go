package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"

	"neon/cmd"
	"neon/pkg"
	"neon/pkg/config"
	"neon/pkg/link"
	"neon/pkg/node"
)

// build wires engine, fabric and manager for one CLI invocation.
func build(ctx context.Context, cfg config.Config) (*pkg.Calculator, func(), error) {
	engine, err := node.NewContainerManager(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	fabric := link.NewLinkManager(engine)
	m, err := pkg.NewManager(engine, fabric, pkg.NewMemoryRecorder(), cfg)
	if err != nil {
		_ = engine.Close()
		return nil, nil, err
	}

	release := func() {
		if err := engine.Close(); err != nil {
			log.WithError(err).Warn("failed to close engine client")
		}
	}
	return pkg.NewCalculator(m), release, nil
}

func main() {
	// cancel in-flight engine calls on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx, build); err != nil {
		log.WithError(err).Error("neon failed")
		stop()
		os.Exit(1)
	}
}
