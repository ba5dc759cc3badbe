package main

import (
	"context"
	"encoding/binary"

	"github.com/capwire/capwire/capability"
	"github.com/capwire/capwire/errors"
)

// Demo schema, fixed by hand in place of a schema compiler. The
// calculator is the bootstrap interface; makeCounter mints a stateful
// capability so pipelining has something to chew on.
const (
	calcInterfaceID = 0xca1c
	calcAdd         = 0
	calcMakeCounter = 1

	counterInterfaceID = 0xc047
	counterIncrement   = 0
	counterGet         = 1
)

type calcServer struct{}

func (s *calcServer) Dispatch(ctx context.Context, m capability.Method, args capability.Payload, r *capability.Results) error {
	switch m.MethodID {
	case calcAdd:
		if len(args.Data) < 16 {
			return errors.Failed("add wants two operands")
		}
		a := binary.BigEndian.Uint64(args.Data[:8])
		b := binary.BigEndian.Uint64(args.Data[8:16])
		r.SetData(u64(a + b))
		return nil
	case calcMakeCounter:
		r.AddCap(capability.NewLocalClient(&counterServer{}))
		return nil
	default:
		return errors.Newf(errors.KindUnimplemented, "calc has no method %d", m.MethodID)
	}
}

type counterServer struct {
	n uint64
}

func (s *counterServer) Dispatch(ctx context.Context, m capability.Method, args capability.Payload, r *capability.Results) error {
	switch m.MethodID {
	case counterIncrement:
		s.n++
		return nil
	case counterGet:
		r.SetData(u64(s.n))
		return nil
	default:
		return errors.Newf(errors.KindUnimplemented, "counter has no method %d", m.MethodID)
	}
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func callAdd(ctx context.Context, calc *capability.Client, a, b uint64) (uint64, error) {
	args := append(u64(a), u64(b)...)
	ans := calc.Call(ctx, capability.Method{InterfaceID: calcInterfaceID, MethodID: calcAdd},
		capability.Payload{Data: args})
	defer ans.Release()
	p, err := ans.Await(ctx)
	if err != nil {
		return 0, err
	}
	if len(p.Data) < 8 {
		return 0, errors.Failed("short add result")
	}
	return binary.BigEndian.Uint64(p.Data), nil
}

// runCounter makes a counter, increments it n times and reads it back.
// Every call is pipelined on the makeCounter result, so the whole thing
// costs a single round trip.
func runCounter(ctx context.Context, calc *capability.Client, n int) (uint64, error) {
	mk := calc.Call(ctx, capability.Method{InterfaceID: calcInterfaceID, MethodID: calcMakeCounter},
		capability.Payload{})
	counter := mk.Client()
	defer counter.Release()
	mk.Release()

	incs := make([]*capability.Answer, 0, n)
	for i := 0; i < n; i++ {
		incs = append(incs, counter.Call(ctx,
			capability.Method{InterfaceID: counterInterfaceID, MethodID: counterIncrement},
			capability.Payload{}))
	}
	get := counter.Call(ctx,
		capability.Method{InterfaceID: counterInterfaceID, MethodID: counterGet},
		capability.Payload{})
	defer get.Release()

	p, err := get.Await(ctx)
	for _, inc := range incs {
		inc.Release()
	}
	if err != nil {
		return 0, err
	}
	if len(p.Data) < 8 {
		return 0, errors.Failed("short counter result")
	}
	return binary.BigEndian.Uint64(p.Data), nil
}
