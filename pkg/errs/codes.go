package errs

var (
	ErrUnauthenticated = New(KindAuthentication, "unauthenticated", "missing or invalid credential")
	ErrUserInactive    = New(KindAuthorization, "user_inactive", "user account is disabled")

	ErrForbidden                    = New(KindAuthorization, "forbidden", "permission denied")
	ErrNotMember                    = New(KindAuthorization, "not_member", "user is not a member of this channel")
	ErrJoinNotAllowed               = New(KindAuthorization, "join_not_allowed", "channel does not allow joining")
	ErrPasswordRequired             = New(KindAuthorization, "password_required", "channel requires a password")
	ErrPasswordIncorrect            = New(KindAuthorization, "password_incorrect", "channel password is incorrect")
	ErrCannotRemoveOwner            = New(KindAuthorization, "cannot_remove_owner", "the channel owner cannot be removed")
	ErrCannotRemoveAdminUnlessOwner = New(KindAuthorization, "cannot_remove_admin", "only the owner can remove an admin")
	ErrCannotChangeOwnerRole        = New(KindAuthorization, "cannot_change_owner_role", "the owner role can only change through transfer")
	ErrNotSubscribed                = New(KindAuthorization, "not_subscribed", "connection is not subscribed to this channel")

	ErrChannelNotFound = New(KindNotFound, "channel_not_found", "channel not found")
	ErrMemberNotFound  = New(KindNotFound, "member_not_found", "member not found")
	ErrMessageNotFound = New(KindNotFound, "message_not_found", "message not found")
	ErrUserNotFound    = New(KindNotFound, "user_not_found", "user not found")
	ErrTargetNotMember = New(KindNotFound, "target_not_member", "target user is not an active member")

	ErrAlreadyMember         = New(KindConflict, "already_member", "user is already a member of this channel")
	ErrChannelFull           = New(KindConflict, "channel_full", "channel is full")
	ErrChannelInactive       = New(KindConflict, "channel_inactive", "channel has been deleted")
	ErrChannelNotDeleted     = New(KindConflict, "channel_not_deleted", "channel is not deleted")
	ErrCannotDeleteDefault   = New(KindConflict, "cannot_delete_default", "the default channel cannot be deleted")
	ErrOwnerTransferRequired = New(KindConflict, "owner_transfer_required", "owner must transfer ownership before leaving")
	ErrConnectionClosed      = New(KindConflict, "connection_closed", "connection is closed")

	ErrEmptyContent       = New(KindValidation, "empty_content", "message content cannot be empty")
	ErrContentTooLong     = New(KindValidation, "content_too_long", "message content is too long")
	ErrInvalidMessageType = New(KindValidation, "invalid_message_type", "invalid message type")
	ErrInvalidReply       = New(KindValidation, "invalid_reply", "reply target must be a live message in the same channel")
	ErrInvalidRole        = New(KindValidation, "invalid_role", "role must be member or admin")
	ErrSelfTransfer       = New(KindValidation, "self_transfer", "cannot transfer ownership to yourself")
	ErrSelfMessage        = New(KindValidation, "self_message", "cannot send a direct message to yourself")
	ErrPasswordTooShort   = New(KindValidation, "password_too_short", "password is too short")
	ErrInvalidChannelName = New(KindValidation, "invalid_channel_name", "channel name must be 1-100 characters")
	ErrInvalidCapacity    = New(KindValidation, "invalid_capacity", "max_members must be at least 1")
	ErrInvalidVisibility  = New(KindValidation, "invalid_visibility", "visibility must be public or private")
	ErrInvalidJoinPolicy  = New(KindValidation, "invalid_join_policy", "join policy must be open, invite_only or password")
	ErrInvalidRequest     = New(KindValidation, "invalid_request", "malformed request")

	ErrRateLimited = New(KindRateLimited, "rate_limited", "too many requests, slow down")
)

// TransferCandidate is an active member the owner may hand the channel to.
type TransferCandidate struct {
	UserID      uint   `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// OwnerTransferRequired builds the leave rejection carrying the candidates.
func OwnerTransferRequired(candidates []TransferCandidate) *Error {
	return ErrOwnerTransferRequired.WithDetails(map[string]any{
		"transfer_required": true,
		"candidates":        candidates,
	})
}

// Candidates extracts the transfer candidates from an OwnerTransferRequired error.
func Candidates(err error) []TransferCandidate {
	e := From(err)
	if e == nil || e.Code != ErrOwnerTransferRequired.Code {
		return nil
	}
	m, ok := e.Details.(map[string]any)
	if !ok {
		return nil
	}
	c, _ := m["candidates"].([]TransferCandidate)
	return c
}
