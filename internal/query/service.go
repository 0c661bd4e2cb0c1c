// Package query serves historical bars for a pair in either orientation.
package query

import (
	"context"
	"errors"
	"fmt"

	"swapkline/internal/kline"
)

var ErrInvalidRange = errors.New("start_at is after end_at")

// Resolver maps a requested token pair onto a known canonical pair.
type Resolver interface {
	Resolve(token0, token1 string) (pair kline.Pair, reversed bool, ok bool)
}

type Store interface {
	GetRange(ctx context.Context, pair kline.Pair, interval kline.Interval, start, end int64) ([]kline.Bar, error)
	GetLatestOpen(pair kline.Pair, interval kline.Interval) (kline.Bar, bool)
}

type Request struct {
	Token0      string
	Token1      string
	Start       int64 // unix seconds, inclusive bucket start
	End         int64 // unix seconds, inclusive bucket start
	Interval    string
	IncludeOpen bool
}

type Response struct {
	Token0   string      `json:"token_0"`
	Token1   string      `json:"token_1"`
	Interval string      `json:"interval"`
	StartAt  int64       `json:"start_at"`
	EndAt    int64       `json:"end_at"`
	Points   []kline.Bar `json:"points"`
}

type Service struct {
	resolver  Resolver
	store     Store
	intervals map[kline.Interval]struct{}
}

func NewService(resolver Resolver, store Store, intervals []kline.Interval) *Service {
	enabled := make(map[kline.Interval]struct{}, len(intervals))
	for _, iv := range intervals {
		enabled[iv] = struct{}{}
	}
	return &Service{resolver: resolver, store: store, intervals: enabled}
}

// GetKline returns the closed bars of the requested range in the requested
// orientation, optionally followed by the in-progress bar. Unknown pairs yield
// no points.
func (s *Service) GetKline(ctx context.Context, req Request) (Response, error) {
	interval, err := kline.ParseInterval(req.Interval)
	if err != nil {
		return Response{}, err
	}
	if _, ok := s.intervals[interval]; !ok {
		return Response{}, fmt.Errorf("%w: %s is not enabled", kline.ErrInvalidInterval, req.Interval)
	}
	if req.Start > req.End {
		return Response{}, ErrInvalidRange
	}

	resp := Response{
		Token0:   req.Token0,
		Token1:   req.Token1,
		Interval: string(interval),
		StartAt:  req.Start,
		EndAt:    req.End,
		Points:   []kline.Bar{},
	}

	pair, reversed, ok := s.resolver.Resolve(req.Token0, req.Token1)
	if !ok {
		return resp, nil
	}

	bars, err := s.store.GetRange(ctx, pair, interval, req.Start, req.End)
	if err != nil {
		return Response{}, err
	}

	if req.IncludeOpen {
		if open, ok := s.store.GetLatestOpen(pair, interval); ok &&
			open.Start >= req.Start && open.Start <= req.End &&
			(len(bars) == 0 || open.Start > bars[len(bars)-1].Start) {
			bars = append(bars, open)
		}
	}

	for _, b := range bars {
		if reversed {
			b = b.Reversed()
		}
		resp.Points = append(resp.Points, b)
	}
	return resp, nil
}
