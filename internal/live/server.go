package live

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"quantcore/internal/domain"
)

const (
	serviceName      = "quantcore.Events"
	streamMethod     = "StreamEvents"
	streamMethodPath = "/" + serviceName + "/" + streamMethod
)

// EventsServer is the server API of the quantcore.Events service. Requests
// and events travel as google.protobuf.Struct messages.
type EventsServer interface {
	StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethod,
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventsServer).StreamEvents(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var _ EventsServer = (*Server)(nil)

// Server implements the StreamEvents gRPC endpoint.
type Server struct {
	model *Model
	log   *slog.Logger
}

// NewServer creates a gRPC server backed by the given Model.
func NewServer(model *Model, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{model: model, log: log.With("component", "live-grpc")}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// StreamEvents sends a snapshot of every recorded event, then streams new
// events as they arrive. The request may carry a "symbols" list to filter
// on. The stream ends when the client disconnects.
func (s *Server) StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	filter, err := symbolFilter(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	send := func(evt Event) error {
		if len(filter) > 0 && !filter[evt.Symbol()] {
			return nil
		}
		msg, err := EncodeEvent(evt)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(msg)
	}

	subID, snapshot, ch := s.model.SubscribeWithSnapshot(4096)
	defer s.model.Unsubscribe(subID)

	for _, evt := range snapshot {
		if err := send(evt); err != nil {
			return err
		}
	}
	s.log.Info("grpc client subscribed", "subID", subID, "snapshot", len(snapshot), "symbols", len(filter))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(evt); err != nil {
				return err
			}
		}
	}
}

func symbolFilter(req *structpb.Struct) (map[string]bool, error) {
	v, ok := req.GetFields()["symbols"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("symbols must be a list")
	}
	out := make(map[string]bool, len(list.GetValues()))
	for _, item := range list.GetValues() {
		sym, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("symbols must be strings")
		}
		out[strings.ToUpper(sym.StringValue)] = true
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Wire encoding
// ----------------------------------------------------------------------------

// EncodeEvent converts an event to its wire form.
func EncodeEvent(evt Event) (*structpb.Struct, error) {
	m := map[string]any{
		"seq":  float64(evt.Seq),
		"kind": string(evt.Kind),
	}
	switch {
	case evt.Fill != nil:
		f := evt.Fill
		m["intent_id"] = f.IntentID
		m["symbol"] = f.Symbol
		m["side"] = string(f.Side)
		m["qty"] = f.Qty
		m["price"] = f.Price
		m["fees"] = f.Fees
		m["strategy"] = f.StrategyID
		m["timestamp"] = f.Timestamp.UTC().Format(time.RFC3339Nano)
	case evt.Intent != nil:
		o := evt.Intent
		m["id"] = o.ID
		m["symbol"] = o.Symbol
		m["side"] = string(o.Side)
		m["qty"] = o.Qty
		m["price_hint"] = o.PriceHint
		m["strategy"] = o.StrategyID
		m["timestamp"] = o.Timestamp.UTC().Format(time.RFC3339Nano)
	default:
		return nil, fmt.Errorf("event %d has no payload", evt.Seq)
	}
	return structpb.NewStruct(m)
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(msg *structpb.Struct) (Event, error) {
	f := msg.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) float64 { return f[k].GetNumberValue() }

	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return Event{}, fmt.Errorf("parsing event timestamp: %w", err)
	}
	evt := Event{Seq: int64(num("seq")), Kind: EventKind(str("kind"))}
	switch evt.Kind {
	case KindFill:
		evt.Fill = &domain.Fill{
			IntentID:   str("intent_id"),
			Symbol:     str("symbol"),
			Side:       domain.Side(str("side")),
			Qty:        num("qty"),
			Price:      num("price"),
			Fees:       num("fees"),
			StrategyID: str("strategy"),
			Timestamp:  ts,
		}
	case KindIntent:
		evt.Intent = &domain.OrderIntent{
			ID:         str("id"),
			Symbol:     str("symbol"),
			Side:       domain.Side(str("side")),
			Qty:        num("qty"),
			PriceHint:  num("price_hint"),
			StrategyID: str("strategy"),
			Timestamp:  ts,
		}
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", evt.Kind)
	}
	return evt, nil
}
