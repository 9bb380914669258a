package models

// User roles carried in access tokens. Admin and moderator may manage any stream.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleStreamer  = "streamer"
	RoleViewer    = "viewer"
)
