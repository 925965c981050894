package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"
)

const streamBuffer = 32

// frameWriter serializes whole frames on a connection shared by the
// envelope writer and the control-frame replies of the reader.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *frameWriter) text(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsutil.WriteServerText(w.conn, data)
}

func (w *frameWriter) control(handle wsutil.FrameHandlerFunc) wsutil.FrameHandlerFunc {
	return func(hdr ws.Header, r io.Reader) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		return handle(hdr, r)
	}
}

// drain reads client frames until the connection fails or closes. Data
// frames are discarded; pings and closes are answered through w.
func (w *frameWriter) drain() {
	control := w.control(wsutil.ControlFrameHandler(w.conn, ws.StateServerSide))
	rd := &wsutil.Reader{
		Source:         w.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}

// stream upgrades to a WebSocket and forwards the owner's live envelopes
// as text frames until either side goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	envs, cancel := s.Hub.Subscribe(owner, streamBuffer)
	defer cancel()
	logger := log.With().Str("owner", owner).Logger()
	logger.Info().Msg("live connection opened")

	fw := &frameWriter{conn: conn}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		fw.drain()
	}()

	for {
		select {
		case <-closed:
			logger.Info().Msg("live connection closed")
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				logger.Error().Err(err).Msg("encode envelope")
				continue
			}
			if err := fw.text(data); err != nil {
				logger.Debug().Err(err).Msg("live write failed")
				return
			}
		}
	}
}
