package models

import (
	"database/sql/driver"
	"fmt"
)

// scanString 把数据库返回的值统一转成 string
func scanString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("models: cannot scan %T as string", value)
	}
}

// Role 频道内角色
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CanModerate 是否拥有管理权限 (owner / admin)
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin
}

// rank 用于成员列表排序
func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 0
	case RoleAdmin:
		return 1
	default:
		return 2
	}
}

// Less 按 owner, admin, member 的顺序比较
func (r Role) Less(other Role) bool {
	return r.rank() < other.rank()
}

func (r *Role) Scan(value any) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	if !Role(s).Valid() {
		return fmt.Errorf("models: invalid role %q", s)
	}
	*r = Role(s)
	return nil
}

func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("models: invalid role %q", string(r))
	}
	return string(r), nil
}

// MemberStatus 成员状态
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberInvited MemberStatus = "invited"
	MemberLeft    MemberStatus = "left"
	MemberBanned  MemberStatus = "banned"
)

func (s MemberStatus) Valid() bool {
	switch s {
	case MemberActive, MemberInvited, MemberLeft, MemberBanned:
		return true
	}
	return false
}

func (s *MemberStatus) Scan(value any) error {
	str, err := scanString(value)
	if err != nil {
		return err
	}
	if !MemberStatus(str).Valid() {
		return fmt.Errorf("models: invalid member status %q", str)
	}
	*s = MemberStatus(str)
	return nil
}

func (s MemberStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("models: invalid member status %q", string(s))
	}
	return string(s), nil
}

// Visibility 频道可见性
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

func (v *Visibility) Scan(value any) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	if !Visibility(s).Valid() {
		return fmt.Errorf("models: invalid visibility %q", s)
	}
	*v = Visibility(s)
	return nil
}

func (v Visibility) Value() (driver.Value, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("models: invalid visibility %q", string(v))
	}
	return string(v), nil
}

// JoinPolicy 加入策略
type JoinPolicy string

const (
	JoinOpen       JoinPolicy = "open"
	JoinInviteOnly JoinPolicy = "invite_only"
	JoinPassword   JoinPolicy = "password"
)

func (p JoinPolicy) Valid() bool {
	switch p {
	case JoinOpen, JoinInviteOnly, JoinPassword:
		return true
	}
	return false
}

func (p *JoinPolicy) Scan(value any) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	if !JoinPolicy(s).Valid() {
		return fmt.Errorf("models: invalid join policy %q", s)
	}
	*p = JoinPolicy(s)
	return nil
}

func (p JoinPolicy) Value() (driver.Value, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("models: invalid join policy %q", string(p))
	}
	return string(p), nil
}

// MessageType 消息类型
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

func (t *MessageType) Scan(value any) error {
	s, err := scanString(value)
	if err != nil {
		return err
	}
	if !MessageType(s).Valid() {
		return fmt.Errorf("models: invalid message type %q", s)
	}
	*t = MessageType(s)
	return nil
}

func (t MessageType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("models: invalid message type %q", string(t))
	}
	return string(t), nil
}
