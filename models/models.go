package models

import (
	"strings"
	"time"
)

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	FirstName    string    `gorm:"size:64;not null" json:"first_name"`
	LastName     string    `gorm:"size:64;not null" json:"last_name"`
	Email        string    `gorm:"size:320;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`

	Sites   []Site   `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Reports []Report `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// NormalizeEmail is applied before every lookup and insert so the unique
// index behaves case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Site is a tracked external resource. GTGlobalID is the identifier the
// tracker source knows it by.
type Site struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"index;not null" json:"user_id"`
	SiteName   string    `gorm:"size:120;not null" json:"site_name"`
	GTGlobalID string    `gorm:"column:gt_global_id;size:64;not null" json:"gt_global_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Report struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"index;not null" json:"user_id"`
	ReportName string    `gorm:"size:120;not null" json:"report_name"`
	CreatedAt  time.Time `json:"created_at"`

	Sites         []Site         `gorm:"many2many:report_sites;constraint:OnDelete:CASCADE" json:"sites,omitempty"`
	ReportUpdates []ReportUpdate `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE" json:"report_updates,omitempty"`
}

// SiteRefs returns the (site id, global id) pairs a scan works from.
func (r Report) SiteRefs() []SiteRef {
	refs := make([]SiteRef, 0, len(r.Sites))
	for _, s := range r.Sites {
		refs = append(refs, SiteRef{SiteID: s.ID, GTGlobalID: s.GTGlobalID})
	}
	return refs
}

type SiteRef struct {
	SiteID     uint   `json:"site_id"`
	GTGlobalID string `json:"gt_global_id"`
}

// ReportUpdate is one scan of a report. Initial marks the baseline scan run
// when the report was created.
type ReportUpdate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ReportID  uint      `gorm:"index;not null" json:"report_id"`
	ScrapedOn time.Time `gorm:"not null" json:"scraped_on"`
	Initial   bool      `gorm:"not null;default:false" json:"initial"`

	SiteUpdates []SiteUpdate `gorm:"foreignKey:ReportUpdateID;constraint:OnDelete:CASCADE" json:"site_updates,omitempty"`
}

type SiteUpdate struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ReportUpdateID uint   `gorm:"index;not null" json:"report_update_id"`
	SiteID         uint   `gorm:"index;not null" json:"site_id"`
	Error          string `gorm:"size:512" json:"error,omitempty"`

	Site       Site        `gorm:"foreignKey:SiteID" json:"site"`
	NewActions []NewAction `gorm:"foreignKey:SiteUpdateID;constraint:OnDelete:CASCADE" json:"new_actions,omitempty"`
	NewDocs    []NewDoc    `gorm:"foreignKey:SiteUpdateID;constraint:OnDelete:CASCADE" json:"new_docs,omitempty"`
}

type NewAction struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	SiteUpdateID uint   `gorm:"index;not null" json:"site_update_id"`
	ActionDate   string `gorm:"size:32" json:"action_date"`
	Description  string `gorm:"type:text" json:"description"`
}

type NewDoc struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	SiteUpdateID uint   `gorm:"index;not null" json:"site_update_id"`
	Title        string `gorm:"size:255" json:"title"`
	URL          string `gorm:"size:1024" json:"url"`
}

// APISession backs the X-API-Token header.
type APISession struct {
	Token     string    `gorm:"primaryKey;size:64"`
	UserID    uint      `gorm:"index;not null"`
	CreatedAt time.Time
}

func (APISession) TableName() string { return "api_sessions" }
