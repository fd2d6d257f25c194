// Package pipeline drives source blocks: it owns the output buffers, invokes
// the block's work function repeatedly and hands produced samples and their
// tags to a consumer in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// Tag is out-of-band metadata attached to one sample of one port.
type Tag struct {
	Port int
	// Offset is the absolute index of the tagged sample on Port.
	Offset uint64
	Key    string
	Value  any
	Source string
}

// Result is what one Work call produced.
type Result struct {
	Produced []int
	Tags     []Tag
}

// Block is a source block with a fixed number of output ports.
type Block interface {
	Ports() int
	Start(ctx context.Context) error
	Stop() error
	// Work fills at most len(outputs[p]) samples per port and reports how
	// many are valid. It never returns an error: a cycle without data
	// produces nothing.
	Work(ctx context.Context, outputs [][]complex64) Result
}

// Output is one port's share of a Work call. Samples is only valid during
// the consumer callback.
type Output struct {
	Port    int
	Offset  uint64
	Samples []complex64
	Tags    []Tag
}

// Consumer receives produced samples in device order.
type Consumer func(Output) error

// Runner repeatedly invokes a block.
type Runner struct {
	block   Block
	bufSize int
	logger  logging.Logger
	outputs [][]complex64
	written []uint64
}

// NewRunner allocates bufSize samples per output port of block.
func NewRunner(block Block, bufSize int, logger logging.Logger) (*Runner, error) {
	if bufSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", bufSize)
	}
	if logger == nil {
		logger = logging.Default()
	}
	ports := block.Ports()
	outputs := make([][]complex64, ports)
	for i := range outputs {
		outputs[i] = make([]complex64, bufSize)
	}
	return &Runner{
		block:   block,
		bufSize: bufSize,
		logger:  logger.With(logging.F("subsystem", "pipeline")),
		outputs: outputs,
		written: make([]uint64, ports),
	}, nil
}

// Written returns how many samples each port has delivered.
func (r *Runner) Written() []uint64 {
	return append([]uint64(nil), r.written...)
}

// Run starts the block and pumps it until ctx is done or consume fails.
// The block is stopped before Run returns.
func (r *Runner) Run(ctx context.Context, consume Consumer) (err error) {
	if err := r.block.Start(ctx); err != nil {
		return fmt.Errorf("start block: %w", err)
	}
	defer func() {
		if stopErr := r.block.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop block: %w", stopErr))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := r.Step(ctx, consume); err != nil {
			return err
		}
	}
}

// Step performs one Work call and delivers its output.
func (r *Runner) Step(ctx context.Context, consume Consumer) error {
	res := r.block.Work(ctx, r.outputs)

	byPort := make([][]Tag, len(r.outputs))
	for _, tag := range res.Tags {
		if tag.Port < 0 || tag.Port >= len(r.outputs) {
			r.logger.Warn("tag on unknown port dropped", logging.F("port", tag.Port), logging.F("key", tag.Key))
			continue
		}
		byPort[tag.Port] = append(byPort[tag.Port], tag)
	}

	for port, n := range res.Produced {
		if port >= len(r.outputs) {
			break
		}
		if n > r.bufSize {
			return fmt.Errorf("port %d produced %d samples into a %d sample buffer", port, n, r.bufSize)
		}
		if n <= 0 {
			continue
		}
		start := r.written[port]
		for _, tag := range byPort[port] {
			if tag.Offset < start || tag.Offset >= start+uint64(n) {
				r.logger.Warn("tag outside produced range",
					logging.F("port", port), logging.F("offset", tag.Offset),
					logging.F("start", start), logging.F("produced", n))
			}
		}
		out := Output{Port: port, Offset: start, Samples: r.outputs[port][:n], Tags: byPort[port]}
		if consume != nil {
			if err := consume(out); err != nil {
				return err
			}
		}
		r.written[port] += uint64(n)
	}
	return nil
}
