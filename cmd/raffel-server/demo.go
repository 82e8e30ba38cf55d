package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/interceptors/ratelimit"
	"github.com/raffelio/raffel/realtime"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/router"
	"github.com/raffelio/raffel/server"
	"github.com/raffelio/raffel/stream"
	"github.com/raffelio/raffel/typed"
	"github.com/raffelio/raffel/validate/jsonschema"
)

type greetRequest struct {
	Name string `json:"name"`
}

type greetResponse struct {
	Greeting string `json:"greeting"`
}

type countdownRequest struct {
	From int `json:"from"`
}

type countdownTick struct {
	N int `json:"n"`
}

type totalsItem struct {
	Add int `json:"add"`
}

type totalsTick struct {
	Total int `json:"total"`
}

type auditEntry struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
}

var greetSchema = jsonschema.MustCompile(`{
	"type": "object",
	"properties": {"name": {"type": "string", "minLength": 1}},
	"required": ["name"],
	"additionalProperties": false
}`)

// registerDemo wires the example surface every raffel-server instance
// exposes: it is what raffel-call talks to out of the box and what the
// getting-started docs walk through.
func registerDemo(suite *server.Suite, logger zerolog.Logger) {
	reg := suite.Registry()

	typed.MustRegisterProcedure(reg, registry.HandlerDef{
		Name:        "greet",
		Input:       greetSchema,
		Description: "returns a greeting for the given name",
	}, func(ctx context.Context, in *greetRequest) (*greetResponse, error) {
		return &greetResponse{Greeting: "hello " + in.Name}, nil
	})

	reg.MustRegisterProcedure(registry.HandlerDef{
		Name:        "echo",
		Description: "returns the request payload unchanged",
	}, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	reg.MustRegisterProcedure(registry.HandlerDef{
		Name:        "limited",
		Description: "like echo, but rate limited to one call per second",
	}, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	typed.MustRegisterStream(reg, registry.HandlerDef{
		Name:        "countdown",
		Direction:   registry.DirectionServer,
		Description: "counts down from the given number, one tick per item",
	}, func(ctx context.Context, in *countdownRequest, inbound stream.Source) (stream.Source, error) {
		n := in.From
		return typed.SourceFunc(func(ctx context.Context) (*countdownTick, error) {
			if n <= 0 {
				return nil, io.EOF
			}
			tick := &countdownTick{N: n}
			n--
			return tick, nil
		}), nil
	})

	typed.MustRegisterStream(reg, registry.HandlerDef{
		Name:        "totals",
		Direction:   registry.DirectionBidi,
		Description: "emits a running total for every number sent inbound",
	}, func(ctx context.Context, _ *struct{}, inbound stream.Source) (stream.Source, error) {
		pipe := stream.NewPipe(0)
		go func() {
			defer inbound.Close()
			total := 0
			for {
				item, err := typed.NextItem[totalsItem](ctx, inbound)
				if err != nil {
					if err == io.EOF {
						pipe.CloseSend()
					} else {
						pipe.Fail(err)
					}
					return
				}
				total += item.Add
				data, err := json.Marshal(totalsTick{Total: total})
				if err != nil {
					pipe.Fail(err)
					return
				}
				if err := pipe.Emit(ctx, data); err != nil {
					return
				}
			}
		}()
		return pipe, nil
	})

	typed.MustRegisterEvent(reg, registry.HandlerDef{
		Name:        "audit.log",
		Delivery:    registry.DeliveryBestEffort,
		Description: "records an audit entry in the server log",
	}, func(ctx context.Context, in *auditEntry) error {
		logger.Info().Str("actor", in.Actor).Str("action", in.Action).Msg("audit")
		return nil
	})

	// Rate limiting is registry-wide, so the demo scopes the limiter to
	// the one procedure it showcases.
	limit := ratelimit.New(ratelimit.Config{Rates: map[time.Duration]int{time.Second: 1}})
	suite.Use(func(ctx context.Context, env *envelope.Envelope, next router.Invoke) (router.Result, error) {
		if env.Procedure == "limited" {
			return limit(ctx, env, next)
		}
		return next(ctx, env)
	})

	suite.Hub().MustDefine(
		realtime.ChannelDef{Pattern: "updates"},
		realtime.ChannelDef{
			Pattern: "presence-lobby",
			Authorize: func(ctx context.Context, sub realtime.Subscription) error {
				return nil
			},
		},
	)
}
