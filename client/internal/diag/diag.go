package diag

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"roomcast/client/internal/session"
)

// Server 本地诊断端点。只监听回环地址，默认关闭；
// 暴露请求管理器、传输仲裁器和播放同步器的实时计数，排障用。
type Server struct {
	sess   *session.Session
	srv    *http.Server
	logger *log.Logger
}

// NewServer 创建诊断服务。
func NewServer(addr string, sess *session.Session, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{sess: sess, logger: logger}
	s.srv = &http.Server{Addr: addr, Handler: s.routes()}
	return s
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/diag/requests", s.handleRequests)
	engine.GET("/diag/channels", s.handleChannels)
	engine.GET("/diag/playback", s.handlePlayback)
	return engine
}

// Start 后台启动监听。
func (s *Server) Start() {
	go func() {
		s.logger.Printf("[Diag] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("[Diag] serve error: %v", err)
		}
	}()
}

// Close 优雅关停。
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRequests 请求管理器计数：在途、排队、按端点累计。
func (s *Server) handleRequests(c *gin.Context) {
	c.JSON(http.StatusOK, s.sess.Requests.Stats())
}

// handleChannels 传输层与各通道状态概览。
func (s *Server) handleChannels(c *gin.Context) {
	st := s.sess.State
	c.JSON(http.StatusOK, gin.H{
		"transport":       s.sess.Transport.Stats(),
		"users":           len(st.UsersCopy()),
		"whisper_windows": st.Whispers.OpenCounterparts(),
		"private_windows": st.Privates.OpenCounterparts(),
		"messages":        len(s.sess.Pager.Messages()),
		"has_more_older":  s.sess.Pager.HasMoreOlder(),
		"offset":          s.sess.Pager.Offset(),
	})
}

// handlePlayback 共享播放同步器状态。
func (s *Server) handlePlayback(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sync_token":  s.sess.Playback.LastToken(),
		"queue":       s.sess.Playback.Queue(),
		"suggestions": s.sess.Playback.Suggestions(),
	})
}
