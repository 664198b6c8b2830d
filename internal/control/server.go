package control

import (
	"context"
	"fmt"

	"github.com/containerd/ttrpc"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// serviceName is the ttrpc service name registered with the server,
// mirroring a protoc-generated <package>.<Service> path.
const serviceName = "kratad.v1.Control"

// Register wires every Control Service RPC into server under serviceName.
func Register(server *ttrpc.Server, svc *Service) {
	server.Register(serviceName, map[string]ttrpc.Method{
		"CreateZone":               unary(svc.CreateZone),
		"DestroyZone":              unary(svc.DestroyZone),
		"ListZones":                unary(svc.ListZones),
		"ResolveZone":              unary(svc.ResolveZone),
		"ReadZoneMetrics":          unary(svc.ReadZoneMetrics),
		"PullImage":                unary(svc.PullImage),
		"ListNetworkReservations":  unary(svc.ListNetworkReservations),
		"ListDevices":              unary(svc.ListDevices),
		"AttachZoneConsole":        unary(svc.OpenZoneConsole),
		"ExecInsideZone":           unary(svc.OpenZoneExec),
		"SnoopIdm":                 unary(svc.SnoopIdm),
	})
}

// unary adapts a typed (ctx, *Req) (*Resp, error) method into a
// ttrpc.Method, translating krataerr.Kind into the matching ttrpc status
// code so callers get {InvalidArgument,NotFound,FailedPrecondition,
// Internal,Unavailable} instead of opaque strings.
func unary[Req any, Resp any](fn func(context.Context, *Req) (*Resp, error)) ttrpc.Method {
	return func(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
		req := new(Req)
		if err := unmarshal(req); err != nil {
			return nil, err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, toTtrpcError(err)
		}
		return resp, nil
	}
}

// toTtrpcError labels err with the {InvalidArgument,NotFound,
// FailedPrecondition,Internal,Unavailable} code its Kind maps to. ttrpc
// carries errors as plain strings across the wire (this module doesn't
// pull in a grpc-codes-compatible status package, since nothing in the
// retrieval pack exercises ttrpc status codes directly), so the code is
// embedded as a prefix a caller can parse rather than a typed status.
func toTtrpcError(err error) error {
	return fmt.Errorf("%s: %w", codeOf(krataerr.KindOf(err)), err)
}

func codeOf(kind krataerr.Kind) string {
	switch kind {
	case krataerr.InvalidInput:
		return "InvalidArgument"
	case krataerr.NotFound:
		return "NotFound"
	case krataerr.Conflict, krataerr.ResourceExhausted:
		return "FailedPrecondition"
	case krataerr.Timeout, krataerr.IoTransient:
		return "Unavailable"
	default:
		return "Internal"
	}
}
