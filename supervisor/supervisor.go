// Package supervisor is C8: it runs the driver (C5) and the endpoint (C7)
// as two long-lived, concurrent tasks sharing the discipline spec.md §5
// describes (C5 publishes a new committed snapshot atomically; C7 only
// ever reads through that pointer). Grounded on
// clients/go/cmd/rubin-node/main.go's signal.NotifyContext shutdown
// idiom, generalized from "one task" to "two tasks with a degrade-on-fault
// link between them" since the teacher's binary never runs more than one
// long-lived loop at a time.
package supervisor

import (
	"context"
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"virtualchain.dev/node/driver"
)

// DriverRunner is the slice of *driver.Driver the supervisor needs: just
// the long-running replay loop. An interface here (rather than a concrete
// *driver.Driver field) lets tests substitute a fake loop, the same
// test-seam role clients/go/cmd/rubin-node/main.go's newSyncEngineFn/
// newMinerFn function variables play for the teacher's own binary.
type DriverRunner interface {
	Run(ctx context.Context) error
}

// EndpointServer is the slice of *endpoint.Server the supervisor drives.
type EndpointServer interface {
	Serve(ctx context.Context, lis net.Listener) error
	SetDegraded(v bool)
}

// Supervisor wires a DriverRunner and an EndpointServer together per spec
// §4.8.
type Supervisor struct {
	driver   DriverRunner
	endpoint EndpointServer
	listener net.Listener
	log      *logrus.Entry
}

// New builds a Supervisor. lis is the already-bound listener the endpoint
// will accept connections on; closing it is how shutdown interrupts its
// accept loop (spec §4.8: "stops accepting new requests in C7").
func New(d DriverRunner, ep EndpointServer, lis net.Listener, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{driver: d, endpoint: ep, listener: lis, log: log}
}

// Run blocks until ctx is canceled or the driver stops of its own accord
// (a fatal error). On cancellation: the listener is closed so C7 stops
// accepting new connections immediately, while C5 is left to finish
// whatever block it is mid-seal on (driver.Run only checks ctx between
// blocks, never mid-block, per spec §5's "C5 never cancels mid-block").
// On a driver fatal error: the endpoint is switched to degraded mode
// (lookups keep answering from the last committed snapshot; every
// constructor-dependent method refuses) and Run keeps blocking until ctx
// is itself canceled, so an operator gets the chance to notice the
// degraded state before the process exits.
func (s *Supervisor) Run(ctx context.Context) error {
	driverDone := make(chan error, 1)
	go func() { driverDone <- s.driver.Run(ctx) }()

	endpointDone := make(chan error, 1)
	go func() { endpointDone <- s.endpoint.Serve(ctx, s.listener) }()

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	driverErr := <-driverDone
	var fatal *driver.FatalError
	switch {
	case errors.As(driverErr, &fatal):
		s.log.WithError(driverErr).Error("supervisor: driver stopped with a fatal error, switching endpoint to degraded mode")
		s.endpoint.SetDegraded(true)
	case driverErr != nil && ctx.Err() == nil:
		s.log.WithError(driverErr).Error("supervisor: driver stopped unexpectedly")
	default:
		s.log.Info("supervisor: driver stopped on shutdown signal")
	}

	endpointErr := <-endpointDone

	if errors.As(driverErr, &fatal) {
		return driverErr
	}
	if ctx.Err() != nil {
		return nil
	}
	return endpointErr
}
