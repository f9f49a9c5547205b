package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gridpresence/directory"
	"gridpresence/logger"
	"gridpresence/movement"
	"gridpresence/world"
)

// requestTimeout 等待运行循环处理命令的上限
const requestTimeout = 2 * time.Second

// Handler 本地管理与驱动接口：无界面客户端通过它注入按键、触发交互
type Handler struct {
	rt  *world.Runtime
	log *zap.SugaredLogger
}

func New(rt *world.Runtime, log *zap.SugaredLogger) *Handler {
	return &Handler{rt: rt, log: logger.Or(log)}
}

// Routes 注册全部路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/input", h.HandleInput)
	mux.HandleFunc("/connect", h.HandleConnect)
	mux.HandleFunc("/interact", h.HandleInteract)
	mux.HandleFunc("/chat", h.HandleChat)
	mux.HandleFunc("/profile/status", h.HandleProfileStatus)
	return mux
}

// HandleStatus 连接状态、本地资料与渲染视图
// GET /status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runtime": h.rt.Status(),
		"scene":   h.rt.Scene().View(),
	})
}

// HandleMetrics 输出客户端运行指标
// GET /metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.rt.Metrics().Snapshot())
}

// HandleInput 设置当前按住的按键
// POST /input {"up":true}；空对象表示全部松开
func (h *Handler) HandleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in movement.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.rt.SetInput(ctx, in); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleConnect 外部触发一次连接，凭证就绪后调用
// POST /connect
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	started, err := h.rt.Reconnect(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": started})
}

// HandleInteract 与附近的 NPC 对话
// POST /interact
func (h *Handler) HandleInteract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	ok, err := h.rt.Interact(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggered": ok})
}

// HandleChat 关闭聊天窗口
// POST /chat {"open":false}；打开只能经由 /interact
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Open *bool `json:"open"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Open == nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if *body.Open {
		http.Error(w, "chat is opened through /interact", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.rt.CloseChat(ctx); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleProfileStatus 带外更新状态文字
// POST /profile/status {"id":"npc-guide","text":"..."}；id 省略表示自己
func (h *Handler) HandleProfileStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.rt.SetStatus(ctx, body.ID, body.Text); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Infof("status updated: id=%q text=%q", body.ID, body.Text)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, directory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, world.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	h.log.Warnf("admin request failed: %v", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
