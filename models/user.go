package models

import "time"

type UserAccount struct {
	JsonModel
	Name     string `json:"name"`
	Email    string `json:"email" gorm:"unique"`
	Password string `json:"-"`
	Banned   bool   `gorm:"default:false" json:"-"`
	LastIp   string `json:"-"`
	Status   string `json:"-"`
	Platform Platform `sql:"type:ENUM('ios', 'android', 'web')" json:"platform"`
	// Notifications settings
	ReceiveNotifications bool       `json:"receive_notifications"`
	AvatarURL            string     `json:"avatar_url"`
	ConfirmedDeleteDate  *time.Time `json:"-"`
}

type UserPushToken struct {
	JsonModel
	UserAccountID uint
	UserAccount   UserAccount `json:"user_account"`
	Platform      Platform    `sql:"type:ENUM('ios', 'android', 'web')" json:"platform"`
	Token         string      `json:"token"`
	Active        bool        `gorm:"default:false" json:"-"`
}
