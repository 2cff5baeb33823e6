package liveness

import (
	"sync"
	"time"

	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// livenessSocket 带写停滞检查的 socket
//
// 登记写兴趣时启动 StallFactor × RTO 的定时器，
// 任意一次写入成功即取消；超时则对远端发起 CheckLiveness。
type livenessSocket[ID comparable] struct {
	*transport.SocketWrapper[ID, ID]

	l *Layer[ID]

	mu     sync.Mutex
	stall  *reactor.Timer
	closed bool
}

func (l *Layer[ID]) wrapSocket(id ID, s transportif.Socket[ID]) *livenessSocket[ID] {
	ls := &livenessSocket[ID]{
		SocketWrapper: transport.NewSocketWrapper[ID, ID](id, s, s.Options()),
		l:             l,
	}
	ls.SetOuter(ls)

	em := l.manager(id, true)
	if em != nil {
		em.mu.Lock()
		em.sockets[ls] = struct{}{}
		em.mu.Unlock()
	}
	return ls
}

func (l *Layer[ID]) untrack(ls *livenessSocket[ID]) {
	em := l.manager(ls.Identifier(), false)
	if em == nil {
		return
	}
	em.mu.Lock()
	delete(em.sockets, ls)
	em.mu.Unlock()
}

// Register 登记读写兴趣；写兴趣启动停滞定时器
func (s *livenessSocket[ID]) Register(wantRead, wantWrite bool, r transportif.SocketReceiver[ID]) {
	if wantWrite {
		s.startStallTimer()
	}
	s.SocketWrapper.Register(wantRead, wantWrite, r)
}

// Write 写入成功即取消停滞定时器
func (s *livenessSocket[ID]) Write(p []byte) (int, error) {
	n, err := s.SocketWrapper.Write(p)
	if n > 0 {
		s.stopStallTimer()
	}
	return n, err
}

// Close 关闭 socket 并停止跟踪
func (s *livenessSocket[ID]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopStallTimer()
	s.l.untrack(s)
	return s.SocketWrapper.Close()
}

func (s *livenessSocket[ID]) startStallTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stall != nil || s.closed {
		return
	}
	id := s.Identifier()
	wait := time.Duration(s.l.cfg.StallFactor) * s.l.RTO(id)
	s.stall = s.l.r.Schedule(wait, func() {
		s.mu.Lock()
		fired := s.stall != nil
		s.stall = nil
		s.mu.Unlock()
		if fired {
			log.Debug("socket 写停滞，检查存活", "peer", id)
			s.l.CheckLiveness(id)
		}
	})
}

func (s *livenessSocket[ID]) stopStallTimer() {
	s.mu.Lock()
	t := s.stall
	s.stall = nil
	s.mu.Unlock()
	t.Cancel()
}
