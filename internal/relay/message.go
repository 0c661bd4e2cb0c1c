package relay

import (
	"fmt"

	"swapkline/internal/kline"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Envelope is the wire form of a bar mutation on the relay channel.
type Envelope struct {
	Kind     kline.MutationKind `json:"kind" validate:"required,oneof=bar_updated bar_closed"`
	Token0   string             `json:"token_0" validate:"required"`
	Token1   string             `json:"token_1" validate:"required"`
	Interval kline.Interval     `json:"interval" validate:"required"`
	Bar      kline.Bar          `json:"bar"`
}

// Target receives decoded mutations, typically the local broadcaster.
type Target interface {
	Publish(pair kline.Pair, interval kline.Interval, m kline.Mutation)
}

func Encode(m kline.Mutation) ([]byte, error) {
	return json.Marshal(Envelope{
		Kind:     m.Kind,
		Token0:   m.Pair.Token0,
		Token1:   m.Pair.Token1,
		Interval: m.Interval,
		Bar:      m.Bar,
	})
}

// Decode parses and validates one relay message.
func Decode(data []byte, validate *validator.Validate) (kline.Mutation, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return kline.Mutation{}, fmt.Errorf("decode relay message: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return kline.Mutation{}, fmt.Errorf("validate relay message: %w", err)
	}
	if _, err := kline.ParseInterval(string(env.Interval)); err != nil {
		return kline.Mutation{}, err
	}
	if env.Bar.Trades < 1 || env.Bar.Low > env.Bar.High {
		return kline.Mutation{}, fmt.Errorf("validate relay message: malformed bar at %d", env.Bar.Start)
	}

	return kline.Mutation{
		Kind:     env.Kind,
		Pair:     kline.Pair{Token0: env.Token0, Token1: env.Token1},
		Interval: env.Interval,
		Bar:      env.Bar,
	}, nil
}

// MakeMessageHandler returns a function that decodes relay messages and hands
// them to target. Malformed messages are logged and dropped.
func MakeMessageHandler(logger *zap.Logger, target Target, validate *validator.Validate) func(msg []byte) {
	return func(msg []byte) {
		m, err := Decode(msg, validate)
		if err != nil {
			logger.Warn("dropping relay message", zap.Error(err))
			return
		}
		target.Publish(m.Pair, m.Interval, m)
	}
}
