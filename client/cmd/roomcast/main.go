package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"roomcast/client/internal/config"
	"roomcast/client/internal/diag"
	"roomcast/client/internal/model"
	"roomcast/client/internal/session"
)

// logView 无界面运行时的视口占位：只记录列表规模，不做真实渲染。
// 嵌入到真实 UI 时由宿主提供 Viewport 实现。
type logView struct {
	height int
}

func (v *logView) Render(msgs []model.Message) {
	v.height = len(msgs)
	log.Printf("[View] rendered %d messages", len(msgs))
}
func (v *logView) AtBottom() bool     { return true }
func (v *logView) PinBottom()         {}
func (v *logView) ContentHeight() int { return v.height }
func (v *logView) ScrollTop() int     { return 0 }
func (v *logView) SetScrollTop(int)   {}

// logPlayer 播放器占位：把收到的播控动作打到日志。
type logPlayer struct {
	current string
	pos     float64
}

func (p *logPlayer) Load(videoID string, at float64) {
	p.current, p.pos = videoID, at
	log.Printf("[Player] load %s at %.1fs", videoID, at)
}
func (p *logPlayer) Seek(seconds float64) {
	p.pos = seconds
	log.Printf("[Player] seek to %.1fs", seconds)
}
func (p *logPlayer) Play()  { log.Printf("[Player] play") }
func (p *logPlayer) Pause() { log.Printf("[Player] pause") }
func (p *logPlayer) Stop() {
	p.current = ""
	log.Printf("[Player] stop")
}
func (p *logPlayer) Position() float64 { return p.pos }
func (p *logPlayer) Current() string   { return p.current }

func main() {
	// 配置文件承载全部参数，易变项（服务地址、房间 id）可用环境变量覆盖：
	// ROOMCAST_BASE_URL / ROOMCAST_PUSH_URL / ROOMCAST_ROOM_ID
	configPath := flag.String("config", "client/configs/client.yaml", "config file path")
	self := flag.String("self", "", "current user id")
	host := flag.Bool("host", false, "run as room host")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	fatal := make(chan error, 1)
	sess := session.New(cfg, session.Options{
		Self:   *self,
		Host:   *host,
		View:   &logView{},
		Player: &logPlayer{},
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	sess.Start()
	defer sess.Close()

	if cfg.Diag.Enabled {
		d := diag.NewServer(cfg.Diag.Addr, sess, nil)
		d.Start()
		defer d.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Printf("received %s, leaving room", s)
	case err := <-fatal:
		log.Printf("session fatal: %v", err)
	}
}
