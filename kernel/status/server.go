package status

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/simkernel/kernel/utils"
)

// Server is the orchestrator end of the status channel. It answers each
// engine's handshake with the experiment manifest and passes every other
// status to the handler.
type Server struct {
	manifest []byte
	handle   func(Status)
	logger   *utils.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a server handing out manifest. handle is called from
// the connection's goroutine.
func NewServer(manifest []byte, handle func(Status), logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.DefaultLogger("status-server")
	}
	if handle == nil {
		handle = func(Status) {}
	}
	return &Server{
		manifest: manifest,
		handle:   handle,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", utils.Err(err))
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("engine connection closed", utils.Err(err))
			}
			return
		}
		st, err := Decode(data)
		if err != nil {
			s.logger.Warn("undecodable status", utils.Err(err))
			continue
		}
		if st.Kind == KindStarted {
			reply, err := Encode(Init(s.manifest))
			if err != nil {
				s.logger.Error("encoding init failed", utils.Err(err))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				s.logger.Warn("sending init failed", utils.Err(err))
				return
			}
		}
		s.handle(st)
		if st.Kind == KindExit || st.Kind == KindProcessError {
			return
		}
	}
}
