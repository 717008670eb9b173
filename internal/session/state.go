package session

import (
	"fmt"

	"ghost-im/pkg/apperror"
)

// State 代管会话状态
type State string

const (
	Idle    State = "idle"
	Active  State = "active"
	Stopped State = "stopped"
)

// Trigger 会话状态迁移触发事件
type Trigger string

const (
	// TriggerOperatorSend 管理员以该用户身份发送消息
	TriggerOperatorSend Trigger = "operator_send"
	// TriggerStart 管理员手动开启会话
	TriggerStart Trigger = "start"
	// TriggerStop 管理员结束会话，进入审核
	TriggerStop Trigger = "stop"
)

// ParseState 解析存储中的状态值，空值视为 Idle
func ParseState(s string) (State, error) {
	switch State(s) {
	case "", Idle:
		return Idle, nil
	case Active:
		return Active, nil
	case Stopped:
		return Stopped, nil
	}
	return "", apperror.New(apperror.KindInvalidInput, fmt.Sprintf("未知的会话状态: %q", s))
}

// Next 状态迁移表
//
//	idle|active|stopped --operator_send|start--> active
//	active|stopped      --stop-->                stopped
//
// Stopped 不会自动回到 Idle。
func Next(current State, trigger Trigger) (State, error) {
	switch trigger {
	case TriggerOperatorSend, TriggerStart:
		switch current {
		case Idle, Active, Stopped:
			return Active, nil
		}
	case TriggerStop:
		switch current {
		case Active, Stopped:
			return Stopped, nil
		case Idle:
			return current, apperror.New(apperror.KindInvalidTransition, "会话未开启，无法结束")
		}
	}
	return current, apperror.New(apperror.KindInvalidTransition,
		fmt.Sprintf("不支持的状态迁移: %s --%s-->", current, trigger))
}

// HidesByDefault 该状态下新消息是否默认对用户隐藏
func HidesByDefault(s State) bool { return s == Active }

// AllowsReview 该状态下是否允许审核（通过/拒绝）
func AllowsReview(s State) bool { return s == Stopped }
