package grpc

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/web"
)

// errorDomain names the ErrorInfo domain of failed calls.
const errorDomain = "portmux"

// handleStream dispatches every message the client sends on a call and
// sends one reply per message. The first failed reply ends the call.
func (f *Facade) handleStream(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	ctx := stream.Context()
	f.inflight.Add(1)
	defer f.inflight.Add(-1)

	c, ok := web.ConnFrom(ctx)
	if !ok {
		c = conn.New(nil, conn.WithLogger(f.log))
		defer c.Close()
	}

	md, _ := metadata.FromIncomingContext(ctx)
	remote := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	for {
		var in frame
		if err := stream.RecvMsg(&in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		f.calls.Add(1)

		req := newRequest(method, md, in.data)
		req.RemoteAddr = remote

		var failure error
		write := func(resp *exchange.Response) error {
			if resp.IsError() {
				failure = statusOf(resp)
				return nil
			}
			return stream.SendMsg(&frame{data: resp.Bytes()})
		}
		if err := <-f.dispatcher.Handle(ctx, c, req, write, nil); err != nil {
			f.failed.Add(1)
			return status.Error(codes.Unavailable, err.Error())
		}
		if failure != nil {
			f.failed.Add(1)
			return failure
		}
	}
}

// newRequest converts one call message. Struct messages become JSON bodies;
// anything else is passed on as bytes.
func newRequest(method string, md metadata.MD, data []byte) *exchange.Request {
	req := exchange.NewRequest(Name, GroupUnary, method)
	for k, vs := range md {
		if strings.HasPrefix(k, ":") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Accept = []exchange.Category{exchange.CategoryProto}

	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err == nil {
		if body, err := protojson.Marshal(&s); err == nil {
			req.Body = body
			req.Header.Set("Content-Type", exchange.CategoryJSON.MediaType())
			return req
		}
	}
	req.Body = data
	req.Header.Set("Content-Type", exchange.CategoryBinary.MediaType())
	return req
}

// statusOf converts a failed reply rendered as a Struct problem into a
// status error.
func statusOf(resp *exchange.Response) error {
	var problem structpb.Struct
	_ = proto.Unmarshal(resp.Bytes(), &problem)
	fields := problem.GetFields()

	reason := fields["error"].GetStringValue()
	msg := fields["message"].GetStringValue()
	if msg == "" {
		msg = http.StatusText(resp.Status)
	}

	st := status.New(codeOf(resp.Status, reason), msg)
	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}
	if reason == "" {
		info.Reason = "unknown"
	}
	details := []protoadapt.MessageV1{info}
	if br := badRequest(fields["details"]); br != nil {
		details = append(details, br)
	}
	if withDetails, err := st.WithDetails(details...); err == nil {
		st = withDetails
	}
	return st.Err()
}

// badRequest lists the failed parameters of a validation problem.
func badRequest(details *structpb.Value) *errdetails.BadRequest {
	var violations []*errdetails.BadRequest_FieldViolation
	for _, v := range details.GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		param := fields["param"].GetStringValue()
		if param == "" {
			continue
		}
		violations = append(violations, &errdetails.BadRequest_FieldViolation{
			Field:       param,
			Description: fields["message"].GetStringValue(),
		})
	}
	if len(violations) == 0 {
		return nil
	}
	return &errdetails.BadRequest{FieldViolations: violations}
}

// codeOf maps reply statuses onto status codes.
func codeOf(httpStatus int, reason string) codes.Code {
	switch reason {
	case exchange.CodeNoEndpoint, exchange.CodeMethodNotSupported:
		return codes.Unimplemented
	case exchange.CodeHandlerPanic:
		return codes.Internal
	}
	switch httpStatus {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusNotAcceptable, http.StatusInternalServerError:
		return codes.Internal
	}
	return codes.Unknown
}
