package models

import (
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

// LeadList represents a list of leads/contacts
type LeadList struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api, etc.

	// Statistics
	LeadCount    int `gorm:"default:0" json:"lead_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`

	// Relations
	LeadListMemberships []LeadListMembership `gorm:"foreignKey:LeadListID" json:"memberships,omitempty"`
}

// Lead represents a single contact
type Lead struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Website   string `json:"website"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	LeadListMemberships []LeadListMembership `gorm:"foreignKey:LeadID" json:"lists,omitempty"`
	CustomFields        []LeadCustomField    `gorm:"foreignKey:LeadID" json:"custom_fields,omitempty"`
}

// LeadListMembership joins leads to lists
type LeadListMembership struct {
	gorm.Model
	LeadID     uint `gorm:"not null;index" json:"lead_id"`
	LeadListID uint `gorm:"not null;index" json:"lead_list_id"`
}

// LeadCustomField represents custom fields for leads
type LeadCustomField struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Name   string `gorm:"not null;index" json:"name"`
	Value  string `gorm:"type:text" json:"value"`
}

// ValidateEmail checks the lead's address syntax before enrollment so
// obviously broken addresses never enter a campaign.
func (l *Lead) ValidateEmail() error {
	return checkmail.ValidateFormat(strings.ToLower(strings.TrimSpace(l.Email)))
}

// Contactable reports whether the lead may still be emailed.
func (l *Lead) Contactable() bool {
	return !l.IsBounced && !l.IsUnsubscribed && !l.IsDoNotContact
}

// TemplateVariables flattens the lead's fields plus custom fields into the
// variable map consumed by the template engine. Empty fields are omitted so
// templates referencing them fail the render instead of sending blanks.
func (l *Lead) TemplateVariables() map[string]string {
	vars := make(map[string]string, 6+len(l.CustomFields))
	for name, value := range map[string]string{
		"email":      l.Email,
		"first_name": l.FirstName,
		"last_name":  l.LastName,
		"company":    l.Company,
		"position":   l.Position,
		"website":    l.Website,
	} {
		if value != "" {
			vars[name] = value
		}
	}
	for _, f := range l.CustomFields {
		if f.Value != "" {
			vars[f.Name] = f.Value
		}
	}
	return vars
}
