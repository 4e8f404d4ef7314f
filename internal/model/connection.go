package model

import "time"

// Connection 描述一条实时连接。UserID/Username 在 identify 之前为空。
type Connection struct {
	ID          string    `json:"connectionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username,omitempty"`
}

// Identified 表示连接是否已经绑定身份。
func (c Connection) Identified() bool {
	return c.UserID != ""
}
