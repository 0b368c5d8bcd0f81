package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC names of the node agent task service.
const (
	TaskQueueServiceName = "circle.agent.v1.TaskQueue"
	ExecuteMethod        = "/" + TaskQueueServiceName + "/Execute"
)

// TaskQueueServer is implemented by node agents.
type TaskQueueServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTaskQueueServer registers srv on a gRPC server.
func RegisterTaskQueueServer(s grpc.ServiceRegistrar, srv TaskQueueServer) {
	s.RegisterService(&taskQueueServiceDesc, srv)
}

var taskQueueServiceDesc = grpc.ServiceDesc{
	ServiceName: TaskQueueServiceName,
	HandlerType: (*TaskQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "circle/agent/v1/task_queue.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskQueueServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecuteMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskQueueServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Request is the envelope of one remote task.
type Request struct {
	Queue string         `json:"queue"`
	Task  string         `json:"task"`
	Args  map[string]any `json:"args,omitempty"`
}

// Response is the envelope of a task result.
type Response struct {
	Result map[string]any `json:"result,omitempty"`
}

// ToStruct converts any JSON-encodable value into a structpb.Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}
	return s, nil
}

// FromStruct decodes a structpb.Struct into out.
func FromStruct(s *structpb.Struct, out any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to convert payload: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// DecodeArg decodes one task argument into out, e.g. a descriptor struct.
func DecodeArg(args map[string]any, key string, out any) error {
	v, ok := args[key]
	if !ok {
		return fmt.Errorf("missing argument %q", key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode argument %q: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("invalid argument %q: %w", key, err)
	}
	return nil
}
