// Command mirage is the freestanding entry point spec.md §6 describes:
// "a library core plus a _start that loops calling tick()". It boots
// a kernel.Kernel at the default table capacities, spawns the initial
// process, starts the traced metrics listener, and ticks forever,
// mirroring cmd/kernel/boot/main.go's shape (construct the system,
// call the one method that runs it, log.Fatalf on the error that means
// it never started).
package main

import (
	"context"
	"log"
	"net"

	"mirage/config"
	"mirage/kernel"
	"mirage/security"
	"mirage/tracing"
)

const metricsAddr = ":9090"

func main() {
	k := kernel.New(config.Default())
	ctx := context.Background()

	if err := k.Bootstrap(ctx); err != nil {
		log.Fatalf("mirage: bootstrap error: %v", err)
	}

	initCreds := security.Credentials{
		Label:        security.SecurityLabel{Level: security.System, Categories: security.AllCategories},
		Capabilities: security.CapIPC | security.CapSpawn | security.CapKernelAccess | security.CapIO,
		Isolation:    security.IsolationProcess,
	}
	if _, _, err := k.SpawnInitialProcess(ctx, initCreds); err != nil {
		log.Fatalf("mirage: spawn initial process: %v", err)
	}

	l, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		log.Fatalf("mirage: metrics listener: %v", err)
	}
	mux := tracing.NewHTTPMux()
	mux.Handle("/metrics", k.Metrics.Handler())
	go mux.Serve(l)

	for {
		k.Tick(ctx)
	}
}
