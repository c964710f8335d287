// Package storagetest provides in-memory databases and fixtures for tests.
package storagetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/storage"
)

var dbSeq atomic.Int64

// NewDB opens a migrated in-memory SQLite database private to t.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))

	db, err := storage.OpenSQLite(dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// CreateUser inserts an active user named username.
func CreateUser(t testing.TB, db *gorm.DB, username string) *models.User {
	t.Helper()

	u := &models.User{
		UserName:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		Nickname:     strings.ToUpper(username[:1]) + username[1:],
		IsActive:     true,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// CreateAdmin inserts a global administrator.
func CreateAdmin(t testing.TB, db *gorm.DB, username string) *models.User {
	t.Helper()

	u := CreateUser(t, db, username)
	require.NoError(t, db.Model(u).Update("is_admin", true).Error)
	u.IsAdmin = true
	return u
}

// Deactivate disables a user. gorm skips zero values on create, so the
// flag has to be cleared with an update.
func Deactivate(t testing.TB, db *gorm.DB, u *models.User) {
	t.Helper()

	require.NoError(t, db.Model(u).Update("is_active", false).Error)
	u.IsActive = false
}

// CreateChannel inserts ch together with an active owner membership.
func CreateChannel(t testing.TB, db *gorm.DB, owner *models.User, ch *models.Channel) *models.Channel {
	t.Helper()

	if ch.Visibility == "" {
		ch.Visibility = models.VisibilityPublic
	}
	if ch.JoinPolicy == "" {
		ch.JoinPolicy = models.JoinOpen
	}
	if ch.MaxMembers == 0 {
		ch.MaxMembers = 100
	}
	ch.CreatorID = owner.ID
	ch.IsActive = true

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		return tx.Create(&models.ChannelMember{
			ChannelID: ch.ID,
			UserID:    owner.ID,
			Role:      models.RoleOwner,
			Status:    models.MemberActive,
		}).Error
	})
	require.NoError(t, err)
	require.NoError(t, db.First(ch, ch.ID).Error)
	return ch
}

// AddMember inserts or overwrites the membership row of user in ch.
func AddMember(t testing.TB, db *gorm.DB, ch *models.Channel, user *models.User, role models.Role, status models.MemberStatus) *models.ChannelMember {
	t.Helper()

	var m models.ChannelMember
	err := db.Where("channel_id = ? AND user_id = ?", ch.ID, user.ID).First(&m).Error
	if err == nil {
		m.Role = role
		m.Status = status
		require.NoError(t, db.Save(&m).Error)
		return &m
	}
	m = models.ChannelMember{ChannelID: ch.ID, UserID: user.ID, Role: role, Status: status}
	require.NoError(t, db.Create(&m).Error)
	return &m
}

// MemberCount reads the cached member_count of channelID.
func MemberCount(t testing.TB, db *gorm.DB, channelID uint) int {
	t.Helper()

	var ch models.Channel
	require.NoError(t, db.First(&ch, channelID).Error)
	return ch.MemberCount
}

// ActiveCount counts active membership rows of channelID.
func ActiveCount(t testing.TB, db *gorm.DB, channelID uint) int {
	t.Helper()

	var n int64
	require.NoError(t, db.Model(&models.ChannelMember{}).
		Where("channel_id = ? AND status = ?", channelID, models.MemberActive).
		Count(&n).Error)
	return int(n)
}
