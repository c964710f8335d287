package utils

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher 频道密码的哈希与校验
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(digest, password string) bool
}

// BcryptHasher 使用 bcrypt 的 PasswordHasher
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher cost 为 0 时使用 bcrypt.DefaultCost
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash 使用 bcrypt 对密码进行哈希
func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	return string(hash), err
}

// Verify 验证密码，digest 为空时一律失败
func (h *BcryptHasher) Verify(digest, password string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}
