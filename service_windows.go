//go:build windows

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceName = "tek-s3"

// serviceMain dispatches on the single supported flag: --register-svc
// creates the Windows service, --run-svc runs under the service control
// manager, no argument runs interactively.
func serviceMain() int {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--register-svc":
			if err := registerService(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			return 0
		case "--run-svc":
			if err := svc.Run(serviceName, &windowsService{}); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			return 0
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return run(ctx, func() {}, func() {})
}

// registerService creates a demand-start service running under the
// per-service virtual account.
func registerService() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.CreateService(serviceName, exe, mgr.Config{
		StartType:        mgr.StartManual,
		DisplayName:      "TEK Steam Sharing Server",
		ServiceStartName: `NT SERVICE\tek-s3`,
	}, "--run-svc")
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Close()
}

// windowsService implements svc.Handler around run.
type windowsService struct{}

func (ws *windowsService) Execute(args []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptPreShutdown

	status <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)
	go func() {
		done <- run(ctx,
			func() { status <- svc.Status{State: svc.Running, Accepts: accepted} },
			func() { status <- svc.Status{State: svc.StopPending} },
		)
	}()

	for {
		select {
		case req := <-requests:
			switch req.Cmd {
			case svc.Interrogate:
				status <- req.CurrentStatus
			case svc.Stop, svc.PreShutdown:
				cancel()
			}
		case code := <-done:
			status <- svc.Status{State: svc.Stopped, Win32ExitCode: uint32(code)}
			return false, uint32(code)
		}
	}
}
