package transform

import (
	"encoding/json"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getmockd/portmux/pkg/exchange"
)

// Proto renders values as protobuf messages. Messages are marshaled as
// they are; other values are converted to a structpb.Struct, with
// non-object values stored under "value".
type Proto struct {
	protocols []string
}

// NewProto creates a Proto transformer that also answers for the named
// protocols without negotiation.
func NewProto(protocols ...string) *Proto {
	if len(protocols) == 0 {
		protocols = []string{"grpc"}
	}
	return &Proto{protocols: protocols}
}

func (p *Proto) Priority() int { return PriorityProto }

func (p *Proto) CanHandle(v any, ctx *Context) bool {
	switch v.(type) {
	case error, View, *View:
		return false
	}
	return slices.Contains(p.protocols, ctx.Protocol) || ctx.Explicit(exchange.CategoryProto)
}

func (p *Proto) Render(v any, ctx *Context, _ Remaining) error {
	msg, err := ToMessage(v)
	if err != nil {
		return err
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	resp := ctx.Response
	resp.SetContentType(exchange.CategoryProto.MediaType())
	resp.Category = exchange.CategoryProto
	_, err = resp.Write(b)
	return err
}

func (p *Proto) Instance() Transformer { return p }

// ToMessage converts v into a protobuf message.
func ToMessage(v any) (proto.Message, error) {
	switch x := v.(type) {
	case proto.Message:
		return x, nil
	case nil:
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var val structpb.Value
	if err := protojson.Unmarshal(raw, &val); err != nil {
		return nil, fmt.Errorf("convert value: %w", err)
	}
	if s := val.GetStructValue(); s != nil {
		return s, nil
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"value": &val}}, nil
}
