package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/victornm/livequiz/internal/errors"
)

const serviceName = "livequiz.v1.QuizService"

// ContentSubtype selects the JSON codec on the wire, i.e. "application/grpc+json".
const ContentSubtype = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return ContentSubtype }

type QuizServiceServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*CreateSessionResponse, error)
	CheckCode(context.Context, *CheckCodeRequest) (*CheckCodeResponse, error)
	GetLeaderboard(context.Context, *GetLeaderboardRequest) (*GetLeaderboardResponse, error)
	EndSession(context.Context, *EndSessionRequest) (*EndSessionResponse, error)
}

var quizServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QuizServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", QuizServiceServer.CreateSession),
		unary("CheckCode", QuizServiceServer.CheckCode),
		unary("GetLeaderboard", QuizServiceServer.GetLeaderboard),
		unary("EndSession", QuizServiceServer.EndSession),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterQuizServiceServer(s grpc.ServiceRegistrar, srv QuizServiceServer) {
	s.RegisterService(&quizServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(QuizServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(QuizServiceServer), ctx, req.(*Req))
				if err != nil {
					return nil, errors.Convert(err)
				}
				return resp, nil
			}

			if interceptor == nil {
				return handler(ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls QuizService over a connection that uses the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest, opts ...grpc.CallOption) (*CreateSessionResponse, error) {
	resp := new(CreateSessionResponse)
	if err := c.invoke(ctx, "CreateSession", req, resp, opts); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CheckCode(ctx context.Context, req *CheckCodeRequest, opts ...grpc.CallOption) (*CheckCodeResponse, error) {
	resp := new(CheckCodeResponse)
	if err := c.invoke(ctx, "CheckCode", req, resp, opts); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetLeaderboard(ctx context.Context, req *GetLeaderboardRequest, opts ...grpc.CallOption) (*GetLeaderboardResponse, error) {
	resp := new(GetLeaderboardResponse)
	if err := c.invoke(ctx, "GetLeaderboard", req, resp, opts); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) EndSession(ctx context.Context, req *EndSessionRequest, opts ...grpc.CallOption) (*EndSessionResponse, error) {
	resp := new(EndSessionResponse)
	if err := c.invoke(ctx, "EndSession", req, resp, opts); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(ContentSubtype)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, opts...)
}
