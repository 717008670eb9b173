package session

import (
	"context"
	"sync"

	"ghost-im/pkg/apperror"
	"ghost-im/pkg/logger"

	"go.uber.org/zap"
)

// StateStore 会话状态的持久化存储
type StateStore interface {
	GetSessionState(ctx context.Context, identity uint) (State, error)
	SetSessionState(ctx context.Context, identity uint, state State) error
}

// FlagPublisher 会话状态变更的推送通道
type FlagPublisher interface {
	PublishSessionState(ctx context.Context, identity uint, state State) error
}

// Service 会话状态机服务
type Service struct {
	store StateStore
	pub   FlagPublisher

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// NewService 创建会话服务，pub 可以为 nil
func NewService(store StateStore, pub FlagPublisher) *Service {
	return &Service{store: store, pub: pub, locks: make(map[uint]*sync.Mutex)}
}

func (s *Service) lock(identity uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		s.locks[identity] = l
	}
	return l
}

// State 读取用户当前会话状态
func (s *Service) State(ctx context.Context, identity uint) (State, error) {
	st, err := s.store.GetSessionState(ctx, identity)
	if err != nil {
		return "", err
	}
	return st, nil
}

// Transition 执行一次状态迁移；状态未变化时不写存储也不推送
func (s *Service) Transition(ctx context.Context, identity uint, trigger Trigger) (State, error) {
	l := s.lock(identity)
	l.Lock()
	defer l.Unlock()

	current, err := s.store.GetSessionState(ctx, identity)
	if err != nil {
		return "", err
	}
	next, err := Next(current, trigger)
	if err != nil {
		return current, err
	}
	if next == current {
		return current, nil
	}

	if err := s.store.SetSessionState(ctx, identity, next); err != nil {
		return current, apperror.Wrap(apperror.KindTransientStore, "更新会话状态失败", err)
	}

	logger.Info("代管会话状态变更",
		zap.Uint("identity", identity),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
		zap.String("trigger", string(trigger)),
	)

	if s.pub != nil {
		if err := s.pub.PublishSessionState(ctx, identity, next); err != nil {
			logger.Warn("推送会话状态失败", zap.Uint("identity", identity), zap.Error(err))
		}
	}
	return next, nil
}

// OnOperatorSend 管理员代发的消息落库后调用，首次代发自动开启会话
func (s *Service) OnOperatorSend(ctx context.Context, identity uint) (State, error) {
	return s.Transition(ctx, identity, TriggerOperatorSend)
}

// Start 手动开启会话
func (s *Service) Start(ctx context.Context, identity uint) (State, error) {
	return s.Transition(ctx, identity, TriggerStart)
}

// Stop 结束会话
func (s *Service) Stop(ctx context.Context, identity uint) (State, error) {
	return s.Transition(ctx, identity, TriggerStop)
}
