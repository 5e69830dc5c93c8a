package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
)

// Push actions accepted from clients.
const (
	ActionSubscribe   = "subscribe"
	ActionCheckStatus = "checkStatus"
)

// PushRequest is a client message on the push socket.
type PushRequest struct {
	Action    string `json:"action"`
	JobID     string `json:"jobId,omitempty"`
	ProcessID string `json:"processId,omitempty"`
}

// PushMessage is sent once a watched job is terminal or unknown.
type PushMessage struct {
	JobID  string               `json:"jobId"`
	Status *jobregistry.JobView `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// PushHandler upgrades to a websocket and notifies clients when the jobs
// they subscribe to finish. It holds no job state of its own.
type PushHandler struct {
	jobs     JobReader
	interval time.Duration
}

// NewPushHandler creates a handler polling jobs every interval.
func NewPushHandler(jobs JobReader, interval time.Duration) *PushHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &PushHandler{jobs: jobs, interval: interval}
}

// ServeHTTP implements http.Handler.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		observability.ServerLogger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	s := &pushSession{
		handler:  h,
		conn:     conn,
		ctx:      ctx,
		watchers: make(map[string]watcher),
	}
	defer func() {
		cancel()
		s.wg.Wait()
		_ = conn.Close()
	}()
	s.readLoop()
}

type pushSession struct {
	handler *PushHandler
	conn    net.Conn
	ctx     context.Context

	writeMu sync.Mutex

	mu       sync.Mutex
	seq      uint64
	watchers map[string]watcher
	wg       sync.WaitGroup
}

type watcher struct {
	seq    uint64
	cancel context.CancelFunc
}

func (s *pushSession) readLoop() {
	for {
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, net.ErrClosed) {
				observability.ServerLogger.Debug("Websocket read failed", zap.Error(err))
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		var req PushRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(PushMessage{Error: "invalid message"})
			continue
		}
		id := strings.TrimSpace(req.JobID)
		if id == "" {
			id = strings.TrimSpace(req.ProcessID)
		}
		switch {
		case req.Action != ActionSubscribe && req.Action != ActionCheckStatus:
			s.send(PushMessage{JobID: id, Error: "unsupported action"})
		case id == "":
			s.send(PushMessage{Error: "jobId is required"})
		default:
			s.watch(id)
		}
	}
}

// watch replaces any existing watcher for id.
func (s *pushSession) watch(id string) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if prev, ok := s.watchers[id]; ok {
		prev.cancel()
	}
	s.seq++
	seq := s.seq
	s.watchers[id] = watcher{seq: seq, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id, seq, cancel)

		ticker := time.NewTicker(s.handler.interval)
		defer ticker.Stop()
		for {
			view := s.handler.jobs.Status(id)
			if view.Terminal() || !view.Known() {
				if ctx.Err() == nil {
					s.send(PushMessage{JobID: id, Status: &view})
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *pushSession) release(id string, seq uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	// A resubscribe may already own the entry.
	if cur, ok := s.watchers[id]; ok && cur.seq == seq {
		delete(s.watchers, id)
	}
}

func (s *pushSession) send(msg PushMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteServerMessage(s.conn, ws.OpText, payload); err != nil {
		observability.ServerLogger.Debug("Websocket write failed", zap.Error(err))
	}
}
