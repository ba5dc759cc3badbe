package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/capwire/capwire/wire"
)

// DefaultMaxMessageSize bounds a single framed message.
const DefaultMaxMessageSize = 16 << 20

// StreamOption configures a stream transport.
type StreamOption func(*streamTransport)

// WithMaxMessageSize overrides the frame size limit.
func WithMaxMessageSize(n uint32) StreamOption {
	return func(s *streamTransport) {
		s.maxSize = n
	}
}

// Stream frames messages over an ordered byte stream such as a TCP
// connection. Each frame is a 4-byte big-endian length followed by the
// encoded message.
func Stream(rwc io.ReadWriteCloser, opts ...StreamOption) Transport {
	s := &streamTransport{
		rwc:     rwc,
		maxSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type streamTransport struct {
	rwc     io.ReadWriteCloser
	sendMu  sync.Mutex
	closeMu sync.Mutex
	maxSize uint32
	closed  bool
}

func (s *streamTransport) Send(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(s.maxSize) {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(data), s.maxSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if _, err := s.rwc.Write(header[:]); err != nil {
		return s.sendErr(err)
	}
	if _, err := s.rwc.Write(data); err != nil {
		return s.sendErr(err)
	}
	return nil
}

func (s *streamTransport) Receive(ctx context.Context) (*wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var header [4]byte
	if _, err := io.ReadFull(s.rwc, header[:]); err != nil {
		return nil, s.recvErr(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, size, s.maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(s.rwc, data); err != nil {
		return nil, s.recvErr(err)
	}
	return wire.Unmarshal(data)
}

func (s *streamTransport) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()
	return s.rwc.Close()
}

func (s *streamTransport) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *streamTransport) sendErr(err error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return err
}

func (s *streamTransport) recvErr(err error) error {
	if s.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
