// Package push streams engine notifications as JSON text frames to
// websocket clients, the presentation side of the client.
package push

import (
	"encoding/json"
	"errors"
	"hash/maphash"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/engine"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/fasthttp/websocket"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/rs/cors"
	"github.com/sebest/xff"
)

var log, chk = slog.New(os.Stderr)

const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = PongWait / 2
	ClientBuffer   = 256
	MaxMessageSize = 4096
)

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
}

func pointerHasher[V any](_ maphash.Seed, k *V) uint64 {
	return uint64(uintptr(unsafe.Pointer(k)))
}

// Server fans notifications out to every connected websocket. Clients that
// can't keep up lose messages rather than stall the others.
type Server struct {
	Addr       string
	upgrader   websocket.Upgrader
	clients    *xsync.MapOf[*client, struct{}]
	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates a server with the websocket endpoint on /ws and, when metrics
// is not nil, a scrape endpoint on /metrics.
func New(metrics http.Handler) (s *Server) {
	s = &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: xsync.NewTypedMapOf[*client,
			struct{}](pointerHasher[client]),
		mux: &http.ServeMux{},
	}
	s.mux.HandleFunc("/ws", s.HandleWebsocket)
	if metrics != nil {
		s.mux.Handle("/metrics", metrics)
	}
	return
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Clients returns the number of connected websockets.
func (s *Server) Clients() int { return s.clients.Size() }

// Forward broadcasts notifications until the channel closes or c is done.
func (s *Server) Forward(c context.T, notifications <-chan engine.Notification) {
	for {
		select {
		case <-c.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			s.Broadcast(n)
		}
	}
}

// Broadcast sends one notification to every client.
func (s *Server) Broadcast(n engine.Notification) {
	b, err := json.Marshal(n)
	if chk.E(err) {
		return
	}
	s.clients.Range(func(cl *client, _ struct{}) bool {
		select {
		case cl.send <- b:
		default:
			log.W.F("push client %s is slow, dropping %s", cl.remote, n.Type)
		}
		return true
	})
}

func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.E.F("failed to upgrade websocket: %v", err)
		return
	}
	cl := &client{conn: conn, remote: xff.GetRemoteAddr(r),
		send: make(chan []byte, ClientBuffer)}
	s.clients.Store(cl, struct{}{})
	log.D.Ln("push client connected", cl.remote)
	done := make(chan struct{})
	go s.read(cl, done)
	go s.write(cl, done)
}

// read only serves to notice the peer going away and to process pongs.
func (s *Server) read(cl *client, done chan struct{}) {
	defer func() {
		s.clients.Delete(cl)
		close(done)
		log.D.Ln("push client disconnected", cl.remote)
	}()
	cl.conn.SetReadLimit(MaxMessageSize)
	chk.T(cl.conn.SetReadDeadline(time.Now().Add(PongWait)))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				log.T.F("push client %s: %v", cl.remote, err)
			}
			return
		}
	}
}

func (s *Server) write(cl *client, done chan struct{}) {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		chk.T(cl.conn.Close())
	}()
	var err error
	for {
		select {
		case <-done:
			return
		case b := <-cl.send:
			chk.T(cl.conn.SetWriteDeadline(time.Now().Add(WriteWait)))
			if err = cl.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.T.F("push client %s: %v", cl.remote, err)
				return
			}
		case <-ticker.C:
			if err = cl.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(WriteWait)); err != nil {
				if !strings.HasSuffix(err.Error(),
					"use of closed network connection") {
					log.T.F("error writing ping: %v; closing websocket", err)
				}
				return
			}
		}
	}
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string, started ...chan bool) (err error) {
	var ln net.Listener
	if ln, err = net.Listen("tcp", addr); chk.E(err) {
		return
	}
	s.Addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           cors.AllowAll().Handler(s),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	for _, c := range started {
		close(c)
	}
	log.I.Ln("push server listening on", s.Addr)
	if err = s.httpServer.Serve(ln); errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	chk.E(err)
	return
}

// Shutdown stops the http server and closes every websocket.
func (s *Server) Shutdown(c context.T) {
	if s.httpServer != nil {
		chk.E(s.httpServer.Shutdown(c))
	}
	s.clients.Range(func(cl *client, _ struct{}) bool {
		chk.T(cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second)))
		chk.T(cl.conn.Close())
		s.clients.Delete(cl)
		return true
	})
}
