package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

type TCP struct {
	opts Options
}

// NewTCP returns a transport reading newline-delimited JSON frames.
func NewTCP(opts Options) *TCP {
	return &TCP{opts: opts.withDefaults()}
}

func (t *TCP) Name() string { return "tcp" }

func (t *TCP) Open(ctx context.Context, address string) (Stream, error) {
	d := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	return &tcpStream{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 8192),
		max:    t.opts.MaxFrameSize,
	}, nil
}

type tcpStream struct {
	conn   net.Conn
	reader *bufio.Reader
	max    int

	closeOnce sync.Once
	closeErr  error
}

func (s *tcpStream) ReadFrame() ([]byte, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(line)) > 0 {
					return bytes.TrimSpace(line), nil
				}
				return nil, ErrEndOfStream
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrEndOfStream
			}
			var te *TransportError
			if errors.As(err, &te) {
				return nil, err
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (s *tcpStream) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > s.max {
			return nil, &TransportError{Op: "read", Err: fmt.Errorf("frame exceeds %d bytes", s.max)}
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func (s *tcpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
