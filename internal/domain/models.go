// Package domain defines the persistence models for clients, waybills, SMS
// notification logs, back-office users and rate-limit events. These types are
// mapped with GORM and form the core data layer of the waybill back-office.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-waybill-backend/internal/phone"
)

// WaybillStatus is the lifecycle stage of a shipment.
type WaybillStatus string

const (
	StatusPending WaybillStatus = "pending"
	StatusOnRoad  WaybillStatus = "on_road"
	StatusArrived WaybillStatus = "arrived"
)

// Valid reports whether s is one of the known lifecycle stages.
func (s WaybillStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOnRoad, StatusArrived:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle; unknown values rank below pending.
func (s WaybillStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusOnRoad:
		return 2
	case StatusArrived:
		return 3
	}
	return 0
}

// Before returns every status that precedes s in the lifecycle.
func (s WaybillStatus) Before() []WaybillStatus {
	out := make([]WaybillStatus, 0, 2)
	for _, st := range []WaybillStatus{StatusPending, StatusOnRoad, StatusArrived} {
		if st.Rank() < s.Rank() {
			out = append(out, st)
		}
	}
	return out
}

// SmsStatus is the delivery state of a notification attempt.
type SmsStatus string

const (
	SmsQueued SmsStatus = "queued"
	SmsSent   SmsStatus = "sent"
	SmsFailed SmsStatus = "failed"
)

// TemplateKey identifies which notification wording was used.
type TemplateKey string

const (
	TemplateReceipt   TemplateKey = "receipt"
	TemplateDeparted  TemplateKey = "departed"
	TemplateOnTransit TemplateKey = "on_transit"
	TemplateArrived   TemplateKey = "arrived"
)

// Role is a back-office user's permission level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleClerk Role = "clerk"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleClerk }

// Client is a customer identified uniquely by a canonical phone number.
type Client struct {
	ID        uint      `json:"id"         gorm:"primaryKey"`
	FullName  string    `json:"full_name"  gorm:"type:varchar(255);not null;index:idx_clients_name"`
	Phone     string    `json:"phone"      gorm:"type:varchar(20);not null;uniqueIndex:ux_clients_phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Client.
func (Client) TableName() string { return "clients" }

// MarshalJSON adds phone_display, Phone in international notation.
func (c Client) MarshalJSON() ([]byte, error) {
	type plain Client
	return json.Marshal(struct {
		plain
		PhoneDisplay string `json:"phone_display,omitempty"`
	}{plain(c), phone.Format(c.Phone)})
}

// Waybill is a shipment record. ClientName and ClientPhone are a snapshot of
// the client taken at creation time and are not updated when the client is
// edited later.
type Waybill struct {
	ID               uint                `json:"id"                gorm:"primaryKey"`
	WaybillNumber    string              `json:"waybill_number"    gorm:"type:varchar(32);not null;uniqueIndex:ux_waybills_number"`
	ClientID         *uint               `json:"client_id"         gorm:"index:idx_waybills_client"`
	ClientName       string              `json:"client_name"       gorm:"type:varchar(255);not null"`
	ClientPhone      string              `json:"client_phone"      gorm:"type:varchar(20);not null;index:idx_waybills_client_phone"`
	SenderName       string              `json:"sender_name"       gorm:"type:varchar(255);not null"`
	SenderPhone      string              `json:"sender_phone"      gorm:"type:varchar(20);not null"`
	Origin           string              `json:"origin"            gorm:"type:varchar(255);not null"`
	Destination      string              `json:"destination"       gorm:"type:varchar(255);not null"`
	CargoDescription string              `json:"cargo_description" gorm:"type:text;not null"`
	Weight           decimal.NullDecimal `json:"weight"            gorm:"type:decimal(10,2)" swaggertype:"number"`
	Status           WaybillStatus       `json:"status"            gorm:"type:varchar(16);not null;default:'pending';index:idx_waybills_status;check:chk_waybills_status,status IN ('pending','on_road','arrived')"`
	CreatedBy        uint                `json:"created_by"        gorm:"index"`
	CreatedAt        time.Time           `json:"created_at"        gorm:"index:idx_waybills_created"`
	UpdatedAt        time.Time           `json:"updated_at"`

	// Client is the registered customer; deleting it removes its waybills.
	Client *Client `json:"-" gorm:"foreignKey:ClientID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Waybill.
func (Waybill) TableName() string { return "waybills" }

// SmsLog records a single notification attempt. Rows are append-only except
// for Status, which a delivery check may move from queued/sent to sent/failed.
type SmsLog struct {
	ID          uint        `json:"id"                   gorm:"primaryKey"`
	WaybillID   *uint       `json:"waybill_id"           gorm:"index:idx_sms_logs_waybill"`
	Phone       string      `json:"phone"                gorm:"type:varchar(20);not null;index:idx_sms_logs_phone"`
	TemplateKey TemplateKey `json:"template_key"         gorm:"type:varchar(32);not null"`
	MessageText string      `json:"message_text"         gorm:"type:text;not null"`
	Status      SmsStatus   `json:"status"               gorm:"type:varchar(16);not null;default:'queued';index:idx_sms_logs_status"`
	MessageID   *string     `json:"message_id,omitempty" gorm:"type:varchar(128)"`
	Detail      string      `json:"detail,omitempty"     gorm:"type:varchar(255);not null;default:''"`
	CreatedAt   time.Time   `json:"created_at"           gorm:"index:idx_sms_logs_created"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// DeliveryCheckedAt is when the provider last answered a delivery poll.
	DeliveryCheckedAt *time.Time `json:"delivery_checked_at,omitempty" gorm:"index:idx_sms_logs_delivery"`
	// DeliveryFinal is set once a poll returned a mapped status; such rows
	// are left out of later sweeps.
	DeliveryFinal bool `json:"-" gorm:"not null;default:false"`

	// WaybillNumber is filled by list queries that join waybills.
	WaybillNumber string `json:"waybill_number,omitempty" gorm:"->;-:migration"`

	Waybill *Waybill `json:"-" gorm:"foreignKey:WaybillID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SmsLog.
func (SmsLog) TableName() string { return "sms_logs" }

// User is a back-office account (admin or clerk).
type User struct {
	ID             uint       `json:"id"                     gorm:"primaryKey"`
	Username       string     `json:"username"               gorm:"type:varchar(64);not null;uniqueIndex:ux_users_username"`
	FullName       string     `json:"full_name"              gorm:"type:varchar(255);not null"`
	Phone          string     `json:"phone,omitempty"        gorm:"type:varchar(20);not null;default:''"`
	PasswordHash   string     `json:"-"                      gorm:"type:varchar(255);not null"`
	Role           Role       `json:"role"                   gorm:"type:varchar(16);not null"`
	Active         bool       `json:"active"                 gorm:"not null"`
	FailedAttempts int        `json:"-"                      gorm:"not null;default:0"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// RateLimitEvent is one accepted action counted by the sliding-window limiter.
type RateLimitEvent struct {
	ID        uint      `gorm:"primaryKey"`
	Action    string    `gorm:"type:varchar(64);not null;index:idx_rate_limits_lookup,priority:1"`
	UserID    uint      `gorm:"not null;index:idx_rate_limits_lookup,priority:2"`
	IPAddress string    `gorm:"type:varchar(45);not null;default:''"`
	CreatedAt time.Time `gorm:"not null;index:idx_rate_limits_lookup,priority:3;index:idx_rate_limits_created"`
}

// TableName returns the database table name for RateLimitEvent.
func (RateLimitEvent) TableName() string { return "rate_limits" }
