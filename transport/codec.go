/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package transport implements the node service's framed wire protocol:
// a length-prefixed msgpack-ish envelope carrying (channel_id, slot,
// headers, args) tuples over a net.Conn. The framing itself is treated
// as an external collaborator by the spec ("RPC framing/wire codec");
// this package is the minimal concrete codec the rest of the module
// needs to actually move bytes, not a faithful HPACK/msgpack reimpl.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ugorji/go/codec"
)

// ErrorCode is the numeric error code shipped on the wire in `error`
// frames. It shares no namespace with the repo's internal liberr
// package: it is purely a protocol value, per spec section 6.
type ErrorCode int

const (
	ErrRequest  ErrorCode = 400
	ErrServer   ErrorCode = 500
	ErrApp      ErrorCode = 502
	ErrResource ErrorCode = 503
	ErrTimeout  ErrorCode = 504
	ErrDeadline ErrorCode = 520
)

// Slot identifies which operation of a tag (service/app/worker) a
// message invokes. Values below follow spec section 6.
type Slot uint32

const (
	SlotStartApp Slot = 0
	SlotPauseApp Slot = 1
	SlotList     Slot = 2

	SlotEnqueue Slot = 0
	SlotInfo    Slot = 1

	SlotHandshake Slot = 0
	SlotHeartbeat Slot = 1
	SlotTerminate Slot = 2
	SlotInvoke    Slot = 3

	// SlotServiceEnqueue and SlotServiceInfo extend the node tag's
	// slot range (0-2 above) on the module's single service endpoint.
	// The real protocol resolves enqueue/info through a separate
	// per-app tag reached via a locator; this module collapses that
	// onto the one endpoint, so these two need their own slot numbers
	// rather than reusing SlotEnqueue/SlotInfo's 0/1 (which would
	// collide with SlotStartApp/SlotPauseApp here).
	SlotServiceEnqueue Slot = 3
	SlotServiceInfo    Slot = 4

	// Stream frame slots, shared by both directions of an open channel.
	SlotChunk Slot = 0
	SlotError Slot = 1
	SlotChoke Slot = 2
)

// Header is a single (name, value) wire header, mirroring the HPACK
// pair the real cocaine protocol carries; this codec does not
// implement HPACK compression, it assumes it's handled underneath
// (spec treats the header codec as external).
type Header struct {
	Name  string
	Value []byte
}

// Message is one frame: a channel id, a slot selecting the operation
// or stream event, a header list, and an arbitrary argument tuple
// encoded with msgpack.
type Message struct {
	ChannelID uint64
	Slot      Slot
	Headers   []Header
	Args      []interface{}
}

// Chunk builds a `chunk(bytes)` stream frame for channel id.
func Chunk(channelID uint64, payload []byte) Message {
	return Message{ChannelID: channelID, Slot: SlotChunk, Args: []interface{}{payload}}
}

// ErrorFrame builds an `error(code, reason)` stream frame.
func ErrorFrame(channelID uint64, code ErrorCode, reason string) Message {
	return Message{ChannelID: channelID, Slot: SlotError, Args: []interface{}{int(code), reason}}
}

// Choke builds a `choke()` stream-terminal frame.
func Choke(channelID uint64) Message {
	return Message{ChannelID: channelID, Slot: SlotChoke}
}

var mpHandle = &codec.MsgpackHandle{}

// Codec serializes and deserializes Messages over an io.ReadWriter,
// length-prefixing each encoded frame with a uint32 big-endian size so
// frames never need to be parsed speculatively.
type Codec struct {
	mu sync.Mutex
	r  *bufio.Reader
	w  *bufio.Writer
	c  io.Closer
}

// New wraps a connection (TCP or Unix socket) with the frame codec.
func New(rw io.ReadWriter) *Codec {
	c := &Codec{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
	if cl, ok := rw.(io.Closer); ok {
		c.c = cl
	}
	return c
}

// Close closes the underlying connection, if it implements io.Closer.
func (c *Codec) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}

// Send encodes and flushes one Message. Safe for concurrent use:
// concurrent channels on the same slave serialize their writes here.
func (c *Codec) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	body := make([]interface{}, 0, 4)
	body = append(body, m.ChannelID, uint32(m.Slot))

	hdrs := make([][2]interface{}, 0, len(m.Headers))
	for _, h := range m.Headers {
		hdrs = append(hdrs, [2]interface{}{h.Name, h.Value})
	}
	body = append(body, hdrs, m.Args)

	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mpHandle)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}

	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(len(buf)))

	if _, err := c.w.Write(sz[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv blocks until one full Message has been read off the wire.
func (c *Codec) Recv() (Message, error) {
	var sz [4]byte
	if _, err := io.ReadFull(c.r, sz[:]); err != nil {
		return Message{}, err
	}

	n := binary.BigEndian.Uint32(sz[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Message{}, err
	}

	var raw []interface{}
	dec := codec.NewDecoderBytes(buf, mpHandle)
	if err := dec.Decode(&raw); err != nil {
		return Message{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	if len(raw) < 4 {
		return Message{}, fmt.Errorf("transport: malformed frame: %d fields", len(raw))
	}

	m := Message{}
	if id, ok := toUint64(raw[0]); ok {
		m.ChannelID = id
	}
	if slot, ok := toUint64(raw[1]); ok {
		m.Slot = Slot(slot)
	}
	if hdrs, ok := raw[2].([]interface{}); ok {
		for _, h := range hdrs {
			if pair, ok := h.([]interface{}); ok && len(pair) == 2 {
				name, _ := pair[0].(string)
				val, _ := pair[1].([]byte)
				m.Headers = append(m.Headers, Header{Name: name, Value: val})
			}
		}
	}
	if args, ok := raw[3].([]interface{}); ok {
		m.Args = args
	}

	return m, nil
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}
