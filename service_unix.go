//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
)

// serviceMain runs in the foreground until SIGINT or SIGTERM, reporting
// readiness to systemd when running under it.
func serviceMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx,
		func() { daemon.SdNotify(false, daemon.SdNotifyReady) },
		func() { daemon.SdNotify(false, daemon.SdNotifyStopping) },
	)
}
