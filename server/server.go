package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gridpresence/auth"
	"gridpresence/directory"
	"gridpresence/grid"
	"gridpresence/logger"
	"gridpresence/metrics"
	"gridpresence/protocol"
)

// ProfileLookup 参与者资料来源（可选）
type ProfileLookup interface {
	Get(ctx context.Context, id string) (directory.Profile, error)
}

// Options 参考服务端配置
type Options struct {
	Bounds    grid.Bounds
	Verifier  *auth.Verifier
	Profiles  ProfileLookup
	Metrics   *metrics.ServerMetrics
	Logger    *zap.SugaredLogger
	Seed      int64
	WriteWait time.Duration
	PongWait  time.Duration
}

// Server 参考 presence 服务端：/ws 接入、房间广播、移动校验
type Server struct {
	rooms    *RoomManager
	decoder  *protocol.Decoder
	verifier *auth.Verifier
	profiles ProfileLookup
	metrics  *metrics.ServerMetrics
	log      *zap.SugaredLogger

	writeWait time.Duration
	pongWait  time.Duration
}

func New(opts Options) (*Server, error) {
	if opts.Verifier == nil {
		return nil, errors.New("server: verifier is required")
	}
	if opts.Bounds.Width <= 0 || opts.Bounds.Height <= 0 {
		opts.Bounds = grid.DefaultBounds()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.ServerMetrics{}
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	dec, err := protocol.NewDecoder(opts.Bounds)
	if err != nil {
		return nil, err
	}
	log := logger.Or(opts.Logger)
	return &Server{
		rooms:     NewRoomManager(opts.Bounds, opts.Seed, opts.Metrics, log),
		decoder:   dec,
		verifier:  opts.Verifier,
		profiles:  opts.Profiles,
		metrics:   opts.Metrics,
		log:       log,
		writeWait: opts.WriteWait,
		pongWait:  opts.PongWait,
	}, nil
}

// Handler 路由：/ws、/metrics、/healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/metrics", s.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Online 指定房间的在线人数
func (s *Server) Online(roomID string) int {
	if r, ok := s.rooms.Lookup(roomID); ok {
		return r.Online()
	}
	return 0
}

func (s *Server) Metrics() *metrics.ServerMetrics { return s.metrics }

// Close 关闭所有房间（会给每个连接发送 close 帧）
func (s *Server) Close() error {
	s.rooms.Close()
	s.log.Infof("presence server stopped")
	return nil
}
