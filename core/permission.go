package core

import (
	"context"
	"slices"
	"strings"
)

// PermissionFunc 权限判定, 只看身份与会话范围
type PermissionFunc func(ctx context.Context, ev *Event) (bool, error)

// Permission 具名权限, 零值对所有人开放
type Permission struct {
	name  string
	check PermissionFunc
}

func NewPermission(name string, check PermissionFunc) Permission {
	return Permission{name: name, check: check}
}

func (p Permission) Name() string {
	if p.check == nil {
		return "everyone"
	}
	return p.name
}

func (p Permission) IsZero() bool {
	return p.check == nil
}

// Check 执行权限判定; panic 与错误转换为 *RuleEvaluationError
func (p Permission) Check(ctx context.Context, ev *Event) (ok bool, err error) {
	if p.check == nil {
		return true, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, &RuleEvaluationError{Rule: "permission:" + p.name, Err: panicError(rec)}
		}
	}()

	ok, err = p.check(ctx, ev)
	if err != nil {
		if _, typed := err.(*RuleEvaluationError); !typed {
			err = &RuleEvaluationError{Rule: "permission:" + p.name, Err: err}
		}
		return false, err
	}
	return ok, nil
}

func permissionNames(perms []Permission) string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name())
	}
	return strings.Join(names, "|")
}

// AnyOf 任一权限满足即可. 含零值权限时对所有人开放.
func AnyOf(perms ...Permission) Permission {
	for _, p := range perms {
		if p.IsZero() {
			return Permission{}
		}
	}
	if len(perms) == 1 {
		return perms[0]
	}

	active := slices.Clone(perms)
	return NewPermission("any("+permissionNames(active)+")", func(ctx context.Context, ev *Event) (bool, error) {
		for _, p := range active {
			ok, err := p.Check(ctx, ev)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// AllOf 所有权限都需满足
func AllOf(perms ...Permission) Permission {
	active := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if !p.IsZero() {
			active = append(active, p)
		}
	}
	switch len(active) {
	case 0:
		return Permission{}
	case 1:
		return active[0]
	}

	return NewPermission("all("+permissionNames(active)+")", func(ctx context.Context, ev *Event) (bool, error) {
		for _, p := range active {
			ok, err := p.Check(ctx, ev)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Everyone 所有人
func Everyone() Permission {
	return Permission{}
}

// Users 仅限给定用户
func Users(ids ...string) Permission {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return NewPermission("users", func(_ context.Context, ev *Event) (bool, error) {
		_, ok := set[ev.UserID]
		return ok, nil
	})
}

// Superusers 超级用户, 与 Users 相同但名称不同便于日志区分
func Superusers(ids ...string) Permission {
	p := Users(ids...)
	p.name = "superusers"
	return p
}

// Conversations 仅限给定会话
func Conversations(ids ...string) Permission {
	return NewPermission("conversations", func(_ context.Context, ev *Event) (bool, error) {
		return slices.Contains(ids, ev.ConversationID), nil
	})
}

// PrivateOnly 仅私聊
func PrivateOnly() Permission {
	return NewPermission("private", func(_ context.Context, ev *Event) (bool, error) {
		return ev.IsPrivate(), nil
	})
}

// GroupOnly 仅群聊
func GroupOnly() Permission {
	return NewPermission("group", func(_ context.Context, ev *Event) (bool, error) {
		return ev.DetailType == DetailGroup, nil
	})
}
