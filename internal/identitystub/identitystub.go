// Package identitystub provides trivial runnerconn.IdentityResolver,
// gatewayhttp.ActorRouter, and gatewayhttp.NamespaceLister implementations
// for standalone operation; both cmd/* binaries always use them. It treats
// the runner_key presented at
// handshake as the runner_id directly, and the init frame's workflow field
// as the workflow_id -- sufficient for local development and the tests in
// this repo, never for production (spec §1 "out of scope, as interfaces
// only": real identity assignment belongs to the workflow engine).
package identitystub

import (
	"context"
	"errors"

	"github.com/rivet-gg/pegboard-tunnel/internal/gatewayhttp"
	"github.com/rivet-gg/pegboard-tunnel/internal/runnerconn"
	"github.com/rivet-gg/pegboard-tunnel/internal/wire"
)

// Resolver implements runnerconn.IdentityResolver.
type Resolver struct{}

func (Resolver) Resolve(_ context.Context, _ string, runnerKey string, init *wire.Frame) (runnerconn.Identity, error) {
	if runnerKey == "" {
		return runnerconn.Identity{}, errors.New("identitystub: empty runner_key")
	}
	return runnerconn.Identity{RunnerID: runnerKey, WorkflowID: init.InitWorkflow}, nil
}

// Router implements gatewayhttp.ActorRouter by treating the actor id as a
// runner id directly, for standalone operation only.
type Router struct{}

func (Router) ResolveRunner(_ context.Context, actorID string) (string, error) {
	if actorID == "" {
		return "", errors.New("identitystub: empty actor id")
	}
	return actorID, nil
}

// NamespaceLister implements gatewayhttp.NamespaceLister by returning an
// empty list, for standalone operation when no workflow-engine namespace
// table is configured.
type NamespaceLister struct{}

func (NamespaceLister) ListNamespaces(context.Context, string) ([]gatewayhttp.Namespace, error) {
	return nil, nil
}
