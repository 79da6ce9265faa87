package server

import (
	"context"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/pkg/api"
)

// Session pumps one worker connection: read, decode, handle, respond.
type Session struct {
	conn    api.MessageConn
	handler *MessageHandler
}

func NewSession(conn api.MessageConn, handler *MessageHandler) *Session {
	return &Session{conn: conn, handler: handler}
}

// Serve reads messages until the connection closes or ctx is cancelled.
// Cancelling ctx closes the connection, which unblocks any pending read.
func (s *Session) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stop:
		}
	}()

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.WithStack(err)
		}

		encoded, err := api.EncodeMessage(s.respond(data))
		if err != nil {
			return err
		}
		if err := s.conn.WriteMessage(encoded); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.WithStack(err)
		}
	}
}

// respond decodes and handles one raw message. A message that cannot be
// decoded still produces an ErrorResponse so the peer learns what went wrong.
func (s *Session) respond(data []byte) api.Response {
	request, err := api.DecodeRequest(data)
	if err != nil {
		log.WithError(err).Debug("Rejected worker message")
		return &api.ErrorResponse{Type: api.MessageTypeError, Message: err.Error()}
	}
	return s.handler.Handle(request)
}
