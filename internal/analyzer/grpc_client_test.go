package analyzer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type analyzeFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// startAnalyzerServer serves AnalyzeMethod over an in-memory listener.
func startAnalyzerServer(t *testing.T, handle analyzeFunc) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "traitlab.analyzer.v1.Analyzer",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Analyze",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return handle(ctx, in)
			},
		}},
	}, struct{}{})

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}

	client, err := NewGrpcClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewGrpcClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClientStructuredReply(t *testing.T) {
	var seen map[string]interface{}
	client := startAnalyzerServer(t, func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		seen = in.AsMap()
		return structpb.NewStruct(map[string]interface{}{
			"personalityType": "Explorer",
			"analysis":        "Curious and open.",
			"strengths":       []interface{}{"curiosity"},
			"challenges":      []interface{}{"focus"},
			"recommendations": []interface{}{"journal"},
		})
	})

	reply, err := client.Analyze(context.Background(), Request{
		Instruction: "sys",
		Prompt:      "prompt",
		TraitData:   "Openness: 80% (high)",
		Depth:       domain.DepthComprehensive,
		Language:    domain.LangEnglish,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if reply.Structured == nil || reply.Structured.PersonalityType != "Explorer" {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Structured.Strengths) != 1 || reply.Structured.Strengths[0] != "curiosity" {
		t.Fatalf("strengths = %v", reply.Structured.Strengths)
	}
	if seen["depth"] != "comprehensive" || seen["trait_data"] != "Openness: 80% (high)" || seen["language"] != "en" {
		t.Fatalf("server saw %v", seen)
	}
}

func TestGrpcClientMalformedReplyIsRaw(t *testing.T) {
	client := startAnalyzerServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"strengths": "not a list"})
	})

	reply, err := client.Analyze(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if reply.Structured != nil || reply.Raw == "" {
		t.Fatalf("reply = %+v, want raw only", reply)
	}
}

func TestGrpcClientServerError(t *testing.T) {
	client := startAnalyzerServer(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "model overloaded")
	})

	if _, err := client.Analyze(context.Background(), Request{}); status.Code(unwrapAll(err)) != codes.Unavailable {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}

func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
