// Package connection is a client side websocket to a relay on top of gobwas/ws,
// negotiating permessage-deflate when the relay offers it.
package connection

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
)

var log, chk = slog.New(os.Stderr)

// MaxMessageSize is the size of the write buffer, larger messages are sent
// as several frames.
const MaxMessageSize = 512000

// C is one open websocket. Reads and writes may happen concurrently with
// each other but not with themselves.
type C struct {
	Conn           net.Conn
	compressed     bool
	controlHandler wsutil.FrameHandlerFunc
	flateReader    *wsflate.Reader
	reader         *wsutil.Reader
	flateWriter    *wsflate.Writer
	writer         *wsutil.Writer
	msgState       *wsflate.MessageState
}

// Dial opens a websocket to url, sending the extra request headers.
func Dial(c context.T, url string, header http.Header) (conn *C, err error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(header),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
	}
	var nc net.Conn
	var hs ws.Handshake
	if nc, _, hs, err = dialer.Dial(c, url); chk.D(err) {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn = &C{Conn: nc, msgState: &wsflate.MessageState{}}
	state := ws.StateClientSide
	for _, ext := range hs.Extensions {
		if string(ext.Name) == wsflate.ExtensionName {
			conn.compressed = true
			state |= ws.StateExtended
			break
		}
	}
	if conn.compressed {
		conn.msgState.SetCompressed(true)
		conn.flateReader = wsflate.NewReader(nil,
			func(r io.Reader) wsflate.Decompressor { return flate.NewReader(r) })
		conn.flateWriter = wsflate.NewWriter(nil,
			func(w io.Writer) wsflate.Compressor {
				fw, e := flate.NewWriter(w, 4)
				if chk.E(e) {
					log.E.F("failed to create flate writer: %v", e)
				}
				return fw
			})
	}
	conn.controlHandler = wsutil.ControlFrameHandler(nc, ws.StateClientSide)
	conn.reader = &wsutil.Reader{
		Source:         nc,
		State:          state,
		OnIntermediate: conn.controlHandler,
		Extensions:     []wsutil.RecvExtension{conn.msgState},
	}
	conn.writer = wsutil.NewWriterSize(nc, state, ws.OpText, MaxMessageSize)
	conn.writer.SetExtensions(conn.msgState)
	log.T.F("connected to %s compression=%v", url, conn.compressed)
	return
}

// WriteMessage sends data as one text message.
func (c *C) WriteMessage(data []byte) (err error) {
	var w io.Writer = c.writer
	if c.compressed && c.msgState.IsCompressed() {
		c.flateWriter.Reset(c.writer)
		w = c.flateWriter
	}
	if _, err = io.Copy(w, bytes.NewReader(data)); chk.D(err) {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if w == c.flateWriter {
		if err = c.flateWriter.Close(); chk.D(err) {
			return fmt.Errorf("failed to close flate writer: %w", err)
		}
	}
	if err = c.writer.Flush(); chk.D(err) {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return
}

// Ping sends a ping control frame.
func (c *C) Ping() error {
	return wsutil.WriteClientMessage(c.Conn, ws.OpPing, nil)
}

// ReadMessage copies the next data message into buf, handling any control
// frames in front of it.
func (c *C) ReadMessage(cx context.T, buf io.Writer) (err error) {
	for {
		if err = cx.Err(); err != nil {
			return
		}
		var h ws.Header
		if h, err = c.reader.NextFrame(); err != nil {
			chk.D(c.Conn.Close())
			return fmt.Errorf("failed to advance frame: %w", err)
		}
		if h.OpCode.IsControl() {
			if err = c.controlHandler(h, c.reader); chk.D(err) {
				return fmt.Errorf("failed to handle control frame: %w", err)
			}
			continue
		}
		if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err = c.reader.Discard(); chk.D(err) {
			return fmt.Errorf("failed to discard: %w", err)
		}
	}
	var r io.Reader = c.reader
	if c.compressed && c.msgState.IsCompressed() {
		c.flateReader.Reset(c.reader)
		r = c.flateReader
	}
	if _, err = io.Copy(buf, r); chk.D(err) {
		return fmt.Errorf("failed to read message: %w", err)
	}
	return
}

// Close closes the underlying socket.
func (c *C) Close() error { return c.Conn.Close() }
