package btproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Wire framing for the request/response RPC carried over the data
// pipe. The nRF8001 pipe is a byte stream rather than fixed 32-byte
// packets, so frames here have a fixed marshaled length and are
// reassembled by Protocol rather than arriving pre-chunked by the radio.
const (
	maxDataLen         = 20
	requestHeaderSize  = 4 // version, transactionID, unitID, functionID
	responseHeaderSize = 3 // version, transactionID, code
)

// ErrorType classifies an Error encountered while issuing a function
// call over the data pipe.
type ErrorType string

const (
	EGeneral          ErrorType = "general error"
	EBadResponse      ErrorType = "bad response"
	EPacketValidation ErrorType = "packet validation"
	EDeviceTimeout    ErrorType = "device did not respond 3 times in a row"
	EBadCode          ErrorType = "function return code is not 0"
)

// Error is the typed error this package panics with on protocol
// violations, and returns from CallFunction for caller-handleable
// failures (timeout, bad code).
type Error struct {
	Err  error
	Type ErrorType
}

func (e *Error) Error() string {
	return fmt.Sprintf("btproto: %s: %v", e.Type, e.Err)
}

type request struct {
	Version       byte
	TransactionID byte
	UnitID        byte
	FunctionID    byte
	DataLength    byte
	Data          [maxDataLen]byte
}

type response struct {
	Version       byte
	TransactionID byte
	Code          byte
	DataLength    byte
	Data          [maxDataLen]byte
}

// respFrameLen is the marshaled size of a response: OnReceiveData
// re-chunks the inbound byte stream on this boundary, not the
// request's (larger, four-byte-header) size.
const respFrameLen = responseHeaderSize + 1 + maxDataLen // +1 shared DataLength byte

func (r request) marshal() []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		panic(&Error{Err: err, Type: EGeneral})
	}
	return buf.Bytes()
}

func unmarshalResponse(raw []byte) response {
	var r response
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		panic(&Error{Err: err, Type: EPacketValidation})
	}
	return r
}

// Protocol runs the request/response RPC over a Handler: one call in
// flight at a time per Protocol, sent up to 3 times in all on timeout.
type Protocol struct {
	handler *Handler

	mu            sync.Mutex
	transactionID byte
	buf           []byte
	pending       chan response
}

// NewProtocol wraps handler. handler's Sink should be this Protocol
// (it implements Sink), or a Sink that forwards inbound bytes to it,
// unless the caller also needs raw byte delivery.
func NewProtocol(handler *Handler) *Protocol {
	return &Protocol{handler: handler}
}

// OnReceiveData implements Sink: it reassembles fixed-length frames
// out of the byte stream and delivers completed ones to whichever
// call is currently pending.
func (p *Protocol) OnReceiveData(data []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	for len(p.buf) >= respFrameLen {
		frame := p.buf[:respFrameLen]
		p.buf = p.buf[respFrameLen:]
		resp := unmarshalResponse(frame)
		if p.pending != nil {
			select {
			case p.pending <- resp:
			default:
			}
		}
	}
	p.mu.Unlock()
}

func (p *Protocol) OnConnect()    {}
func (p *Protocol) OnDisconnect() {}

// CallFunction sends a request for (unitID, functionID, data) and
// waits for its matching response, making up to 3 attempts in all
// before returning an EDeviceTimeout Error.
func (p *Protocol) CallFunction(unitID, functionID byte, data []byte) ([]byte, error) {
	if len(data) > maxDataLen {
		panic(&Error{Err: fmt.Errorf("payload length %d exceeds %d", len(data), maxDataLen), Type: EBadResponse})
	}

	p.mu.Lock()
	txID := p.transactionID
	p.transactionID++
	ch := make(chan response, 1)
	p.pending = ch
	p.mu.Unlock()

	var rq request
	rq.Version = 0
	rq.TransactionID = txID
	rq.UnitID = unitID
	rq.FunctionID = functionID
	rq.DataLength = byte(len(data))
	copy(rq.Data[:], data)

	for attempt := 3; attempt > 0; attempt-- {
		log.WithFields(logrus.Fields{"unit": unitID, "function": functionID, "attempt": attempt}).Trace("btproto: CallFunction")
		p.handler.Send(rq.marshal())

		timeout := time.After(50 * time.Millisecond)
	wait:
		for {
			select {
			case resp := <-ch:
				if resp.Version != 0 || resp.TransactionID != txID {
					continue // stray/stale response, keep waiting within this attempt's budget
				}
				if resp.Code != 0 {
					return nil, &Error{Err: fmt.Errorf("code %d", resp.Code), Type: EBadCode}
				}
				return append([]byte(nil), resp.Data[:resp.DataLength]...), nil
			case <-timeout:
				break wait
			}
		}
	}

	return nil, &Error{Err: fmt.Errorf("unit %d function %d", unitID, functionID), Type: EDeviceTimeout}
}
