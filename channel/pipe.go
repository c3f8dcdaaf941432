package channel

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxFrameSize caps a single framed message (10MB).
const maxFrameSize = 10 * 1024 * 1024

// Pipe is a Transport over a byte stream using length-prefixed JSON framing:
// [4-byte big-endian length][JSON envelope]. It carries the background↔UI
// port and any other in-process context boundary.
type Pipe struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex
	inbound chan *Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe wraps a read/write stream pair. closer may be nil.
func NewPipe(r io.Reader, w io.Writer, closer io.Closer) *Pipe {
	p := &Pipe{
		reader:  bufio.NewReader(r),
		writer:  w,
		closer:  closer,
		inbound: make(chan *Message, 16),
		closed:  make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// NewPipePair returns two connected in-process transports, one per side.
func NewPipePair() (*Pipe, *Pipe) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	a := NewPipe(ar, bw, pipeCloser{ar, bw})
	b := NewPipe(br, aw, pipeCloser{br, aw})
	return a, b
}

type pipeCloser struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (pc pipeCloser) Close() error {
	pc.w.Close()
	return pc.r.Close()
}

// Send writes one framed message.
func (p *Pipe) Send(msg *Message) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(data)))

	if _, err := p.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// Messages returns the inbound stream.
func (p *Pipe) Messages() <-chan *Message {
	return p.inbound
}

// Close tears the pipe down.
func (p *Pipe) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}

func (p *Pipe) readLoop() {
	defer close(p.inbound)

	for {
		msg, err := p.readMessage()
		if err != nil {
			select {
			case <-p.closed:
			default:
				if err != io.EOF {
					log.Debug().Err(err).Msg("Pipe read failed")
				}
				p.Close()
			}
			return
		}
		select {
		case p.inbound <- msg:
		case <-p.closed:
			return
		}
	}
}

func (p *Pipe) readMessage() (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(p.reader, lengthBuf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > maxFrameSize {
		return nil, fmt.Errorf("message too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(p.reader, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
