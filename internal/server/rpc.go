package server

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
)

// unaryFunc handles one procedure. The returned value is encoded as JSON
// into the response struct.
type unaryFunc func(ctx context.Context, req *structpb.Struct) (any, error)

type procedure struct {
	method string
	fn     unaryFunc
}

// mountService registers the procedures of service on mux and returns the
// service path prefix.
func mountService(mux *http.ServeMux, service string, procs []procedure, logger *zap.Logger, opts ...connect.HandlerOption) string {
	prefix := "/" + service + "/"
	for _, p := range procs {
		path := prefix + p.method
		mux.Handle(path, connect.NewUnaryHandler(path, wrapUnary(p.fn, logger), opts...))
	}
	return prefix
}

func wrapUnary(fn unaryFunc, logger *zap.Logger) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		procedure := req.Spec().Procedure
		out, err := fn(ctx, req.Msg)
		if err != nil {
			cerr := toConnectError(err)
			if cerr.Code() == connect.CodeInternal {
				logger.Error("Procedure failed", zap.String("procedure", procedure), zap.Error(err))
			}
			observeRPC(procedure, cerr)
			return nil, cerr
		}
		if out == nil {
			out = struct{}{}
		}
		msg, err := dispatcher.ToStruct(out)
		if err != nil {
			cerr := connect.NewError(connect.CodeInternal, err)
			observeRPC(procedure, cerr)
			return nil, cerr
		}
		observeRPC(procedure, nil)
		return connect.NewResponse(msg), nil
	}
}

// decode reads a request struct into out.
func decode(req *structpb.Struct, out any) error {
	if req == nil {
		return nil
	}
	if err := dispatcher.FromStruct(req, out); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return nil
}

// toConnectError maps a domain error to a Connect error. Errors that are
// already Connect errors pass through.
func toConnectError(err error) *connect.Error {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return connect.NewError(connect.CodeUnauthenticated, err)
	case errors.Is(err, domain.ErrAlreadyExists):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, domain.ErrResourceExhausted), errors.Is(err, domain.ErrNoSchedulableNode):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrQueueNotFound):
		return connect.NewError(connect.CodeUnavailable, err)
	}

	switch domain.Classify(err) {
	case domain.ErrorClassAuthorization:
		return connect.NewError(connect.CodePermissionDenied, err)
	case domain.ErrorClassPrecondition:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case domain.ErrorClassTimeout:
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case domain.ErrorClassContract:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case domain.ErrorClassNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
