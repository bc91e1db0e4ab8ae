package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const (
	agentServiceName    = "mirador.remediate.v1.AgentService"
	fetchCommandsMethod = "/" + agentServiceName + "/FetchCommands"
	reportResultMethod  = "/" + agentServiceName + "/ReportResult"
)

// AgentServer is the server API of mirador.remediate.v1.AgentService. Messages travel as
// google.protobuf.Struct so agents need no generated stubs.
type AgentServer interface {
	// FetchCommands takes {"limit": n} and returns {"commands": [...]}.
	FetchCommands(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// ReportResult takes {"command_id", "status", "result", "error_message"} and returns the command.
	ReportResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// AgentServiceDesc describes the service for grpc.Server.RegisterService.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: agentServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchCommands", Handler: unaryHandler(fetchCommandsMethod, AgentServer.FetchCommands)},
		{MethodName: "ReportResult", Handler: unaryHandler(reportResultMethod, AgentServer.ReportResult)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/remediate/v1/agent.proto",
}

func unaryHandler(fullMethod string, call func(AgentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AgentServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AgentService serves agents over gRPC.
type AgentService struct {
	svc    Service
	logger *slog.Logger
}

// NewAgentService wraps svc for gRPC.
func NewAgentService(svc Service, logger *slog.Logger) *AgentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentService{svc: svc, logger: logger}
}

// agentToken reads the credential from "authorization: Bearer" metadata, falling back to
// the x-cluster-token key used over HTTP.
func agentToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if token := auth.ExtractBearer(v); token != "" {
			return token
		}
	}
	if vals := md.Get(strings.ToLower(ClusterTokenHeader)); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// FetchCommands claims pending commands for the calling agent's cluster.
func (a *AgentService) FetchCommands(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := 0
	if v, ok := req.GetFields()["limit"]; ok {
		limit = int(v.GetNumberValue())
	}
	cmds, err := a.svc.FetchCommands(ctx, agentToken(ctx), limit)
	if err != nil {
		return nil, grpcError(a.logger, err)
	}
	out, err := toStruct(map[string]any{"commands": nonNil(cmds)})
	if err != nil {
		return nil, grpcError(a.logger, err)
	}
	return out, nil
}

// ReportResult records the outcome of one command.
func (a *AgentService) ReportResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id := fields["command_id"].GetStringValue()
	if id == "" {
		return nil, grpcError(a.logger, utils.Validation("api.ReportResult", "command_id is required"))
	}
	cmd, err := a.svc.ReportResult(ctx, agentToken(ctx), id, dispatch.Report{
		Status:       models.CommandStatus(fields["status"].GetStringValue()),
		Result:       fields["result"].GetStringValue(),
		ErrorMessage: fields["error_message"].GetStringValue(),
	})
	if err != nil {
		return nil, grpcError(a.logger, err)
	}
	out, err := toStruct(cmd)
	if err != nil {
		return nil, grpcError(a.logger, err)
	}
	return out, nil
}

// toStruct converts v through its JSON form so field names match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, utils.NewAppError("api.toStruct", "encode response", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, utils.NewAppError("api.toStruct", "convert response", err)
	}
	return out, nil
}

// AgentClient calls AgentService on a connection.
type AgentClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentClient wraps cc.
func NewAgentClient(cc grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{cc: cc}
}

// FetchCommands invokes AgentService.FetchCommands.
func (c *AgentClient) FetchCommands(ctx context.Context, limit int, opts ...grpc.CallOption) ([]models.RemediationCommand, error) {
	in, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fetchCommandsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	var resp struct {
		Commands []models.RemediationCommand `json:"commands"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// ReportResult invokes AgentService.ReportResult.
func (c *AgentClient) ReportResult(ctx context.Context, commandID string, report dispatch.Report, opts ...grpc.CallOption) (models.RemediationCommand, error) {
	in, err := structpb.NewStruct(map[string]any{
		"command_id":    commandID,
		"status":        string(report.Status),
		"result":        report.Result,
		"error_message": report.ErrorMessage,
	})
	if err != nil {
		return models.RemediationCommand{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, reportResultMethod, in, out, opts...); err != nil {
		return models.RemediationCommand{}, err
	}
	var cmd models.RemediationCommand
	if err := fromStruct(out, &cmd); err != nil {
		return models.RemediationCommand{}, err
	}
	return cmd, nil
}

func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}
