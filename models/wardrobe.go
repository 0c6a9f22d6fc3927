package models

import "github.com/lib/pq"

// WardrobeItem is a single catalog entry owned by a user. Category values
// follow the fixed vocabulary used in prompts: top, bottom, outerwear,
// shoes, accessory.
type WardrobeItem struct {
	JsonModel
	Name        string      `json:"name"`
	Category    string      `json:"category"` // top, bottom, outerwear, shoes, accessory
	Color       *string     `json:"color"`
	Description *string     `gorm:"type:text" json:"description"`
	Owner       UserAccount `json:"-"`
	OwnerID     uint        `json:"-"`
	Status      string      `json:"status"` // in_closet, wishlist
}

// StyleProfile holds the user's style-descriptor words consumed by prompt
// strategies. One row per user.
type StyleProfile struct {
	JsonModel
	UserAccountID uint           `gorm:"uniqueIndex"`
	UserAccount   UserAccount    `json:"-"`
	StyleWords    pq.StringArray `gorm:"type:text[]" json:"style_words"`
}

// SavedOutfit is the downstream persistence target for a generated outfit
// the user chose to keep. Written only by the save worker.
type SavedOutfit struct {
	JsonModel
	UserAccountID uint           `json:"-"`
	UserAccount   UserAccount    `json:"-"`
	ItemNames     pq.StringArray `gorm:"type:text[]" json:"item_names"`
	ItemsJSON     string         `gorm:"type:text" json:"items_json"`
	StylingTip    string         `gorm:"type:text" json:"styling_tip"`
	Rationale     string         `gorm:"type:text" json:"rationale"`
	PromptVersion string         `json:"prompt_version"`
}
