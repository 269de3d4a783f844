package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server — HTTP-сервер API.
type Server struct {
	httpServer *http.Server
}

// NewServer создаёт сервер на addr с переданным handler.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Addr возвращает адрес прослушивания.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe запускает сервер. Штатная остановка не считается ошибкой.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
