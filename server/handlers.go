package server

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"gps-uplink/codec"
	"gps-uplink/delivery"
	"gps-uplink/message"
)

type actionFunc func(svr *Server, ctx context.Context, req *message.Request) *message.Response

var actions = map[string]actionFunc{
	message.ActionDeliver:         (*Server).deliver,
	message.ActionGetStats:        (*Server).getStats,
	message.ActionGetHealth:       (*Server).getHealth,
	message.ActionCloseConnection: (*Server).closeConnection,
	message.ActionResetStats:      (*Server).resetStats,
	message.ActionPing:            (*Server).ping,
}

// dispatch is the innermost handler of the middleware chain.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	fn, ok := actions[req.Action]
	if !ok {
		return message.Failure("unknown action: " + req.Action)
	}
	return fn(svr, ctx, req)
}

func (svr *Server) deliver(ctx context.Context, req *message.Request) *message.Response {
	out := svr.backend.Deliver(ctx, req.Host, req.Port, req.Payload, req.CorrelationID)
	resp := svr.ok(toWire(out))
	resp.Success = out.Success
	resp.Error = out.Error()
	return resp
}

func (svr *Server) getStats(ctx context.Context, req *message.Request) *message.Response {
	return svr.ok(svr.backend.Stats())
}

func (svr *Server) getHealth(ctx context.Context, req *message.Request) *message.Response {
	return svr.ok(svr.backend.Health(ctx))
}

func (svr *Server) closeConnection(ctx context.Context, req *message.Request) *message.Response {
	n, err := svr.backend.CloseConnection(req.Host, req.Port)
	if err != nil {
		return message.Failure(err.Error())
	}
	return svr.ok(message.Closed{Endpoint: endpointKey(req.Host, req.Port), Closed: n})
}

func (svr *Server) resetStats(ctx context.Context, req *message.Request) *message.Response {
	svr.backend.ResetStats()
	svr.log.Info("delivery counters reset")
	return &message.Response{Success: true}
}

func (svr *Server) ping(ctx context.Context, req *message.Request) *message.Response {
	return svr.ok(message.Pong{Pid: os.Getpid(), Time: time.Now().UnixMilli()})
}

func (svr *Server) ok(data any) *message.Response {
	raw, err := (&codec.JSONCodec{}).Encode(data)
	if err != nil {
		svr.log.Error("failed to encode response data", zap.Error(err))
		return message.Failure("internal error: " + err.Error())
	}
	return &message.Response{Success: true, Data: raw}
}

func toWire(o *delivery.Outcome) message.Outcome {
	return message.Outcome{
		Endpoint:      o.Endpoint,
		CorrelationID: o.CorrelationID,
		Success:       o.Success,
		Response:      o.Response,
		BytesWritten:  o.BytesWritten,
		Attempts:      o.Attempts,
		ErrorKind:     string(o.Kind),
		ErrorCause:    string(o.Cause),
		Error:         o.Error(),
		ConnectionID:  o.ConnectionID,
		Reused:        o.Reused,
		Direct:        o.Direct,
	}
}
