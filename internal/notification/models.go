package notification

import (
	"time"
)

// Type is the kind of event a notification reports
type Type string

const (
	TypeSystem          Type = "SYSTEM"
	TypeAcademic        Type = "ACADEMIC"
	TypeAttendance      Type = "ATTENDANCE"
	TypeExamResult      Type = "EXAM_RESULT"
	TypeFeeReminder     Type = "FEE_REMINDER"
	TypeAnnouncement    Type = "ANNOUNCEMENT"
	TypeEvent           Type = "EVENT"
	TypeEmergency       Type = "EMERGENCY"
	TypeWelcome         Type = "WELCOME"
	TypePasswordReset   Type = "PASSWORD_RESET"
	TypeGradeUpdate     Type = "GRADE_UPDATE"
	TypeAssignment      Type = "ASSIGNMENT"
	TypeTimetableChange Type = "TIMETABLE_CHANGE"
	TypeDisciplinary    Type = "DISCIPLINARY"
	TypeHealth          Type = "HEALTH"
	TypeTransport       Type = "TRANSPORT"
	TypeLibrary         Type = "LIBRARY"
	TypeCustom          Type = "CUSTOM"
)

// Priority controls ordering and preference overrides
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// Category selects which preference row applies to a recipient
type Category string

const (
	CategoryGeneral        Category = "GENERAL"
	CategoryAcademic       Category = "ACADEMIC"
	CategoryAdministrative Category = "ADMINISTRATIVE"
	CategoryFinancial      Category = "FINANCIAL"
	CategoryHealth         Category = "HEALTH"
	CategorySafety         Category = "SAFETY"
	CategoryEvents         Category = "EVENTS"
	CategorySystem         Category = "SYSTEM"
	CategoryPersonal       Category = "PERSONAL"
)

// Channel is a delivery medium
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPush    Channel = "PUSH"
	ChannelInApp   Channel = "IN_APP"
	ChannelWebhook Channel = "WEBHOOK"
)

// Status represents the lifecycle state of a notification
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScheduled Status = "SCHEDULED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// DeliveryStatus represents the state of one delivery attempt
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryRead      DeliveryStatus = "READ"
)

var (
	allTypes = []Type{
		TypeSystem, TypeAcademic, TypeAttendance, TypeExamResult, TypeFeeReminder, TypeAnnouncement,
		TypeEvent, TypeEmergency, TypeWelcome, TypePasswordReset, TypeGradeUpdate, TypeAssignment,
		TypeTimetableChange, TypeDisciplinary, TypeHealth, TypeTransport, TypeLibrary, TypeCustom,
	}
	allPriorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical}
	allCategories = []Category{
		CategoryGeneral, CategoryAcademic, CategoryAdministrative, CategoryFinancial, CategoryHealth,
		CategorySafety, CategoryEvents, CategorySystem, CategoryPersonal,
	}
	allChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook}
	allStatuses = []Status{StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusFailed, StatusCancelled}
)

func (t Type) Valid() bool {
	for _, v := range allTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (p Priority) Valid() bool {
	for _, v := range allPriorities {
		if v == p {
			return true
		}
	}
	return false
}

func (c Category) Valid() bool {
	for _, v := range allCategories {
		if v == c {
			return true
		}
	}
	return false
}

func (c Channel) Valid() bool {
	for _, v := range allChannels {
		if v == c {
			return true
		}
	}
	return false
}

// External reports whether the channel needs a sink call
func (c Channel) External() bool {
	return c != ChannelInApp
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed forward moves of the status machine
var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusSending},
	StatusScheduled: {StatusSending, StatusCancelled},
	StatusSending:   {StatusSent, StatusFailed},
}

// CanTransition reports whether a notification may move from one status to another
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successful reports whether the delivery reached the recipient's provider or better
func (d DeliveryStatus) Successful() bool {
	return d == DeliverySent || d == DeliveryDelivered || d == DeliveryRead
}

// TargetKind selects how a target specification is expanded
type TargetKind string

const (
	TargetAllUsers      TargetKind = "ALL_USERS"
	TargetSpecificUsers TargetKind = "SPECIFIC_USERS"
	TargetRoleBased     TargetKind = "ROLE_BASED"
	TargetClassBased    TargetKind = "CLASS_BASED"
	TargetCombined      TargetKind = "COMBINED"
)

// TargetSpec describes who should receive a notification before resolution
type TargetSpec struct {
	Kind     TargetKind   `json:"kind"`
	UserIDs  []string     `json:"user_ids,omitempty"`
	Roles    []string     `json:"roles,omitempty"`
	ClassIDs []string     `json:"class_ids,omitempty"`
	Targets  []TargetSpec `json:"targets,omitempty"`
}

// Notification represents one request to notify a population
type Notification struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	Title          string            `json:"title" db:"title"`
	Body           string            `json:"body" db:"body"`
	Type           Type              `json:"type" db:"type"`
	Priority       Priority          `json:"priority" db:"priority"`
	Category       Category          `json:"category" db:"category"`
	Channels       []Channel         `json:"channels" db:"channels"`
	Target         TargetSpec        `json:"target" db:"target"`
	TemplateRef    string            `json:"template_ref,omitempty" db:"template_ref"`
	TemplateData   map[string]string `json:"template_data,omitempty" db:"template_data"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty" db:"scheduled_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	Status         Status            `json:"status" db:"status"`
	TotalTargets   int               `json:"total_targets" db:"total_targets"`
	DeliveredCount int               `json:"delivered_count" db:"delivered_count"`
	ReadCount      int               `json:"read_count" db:"read_count"`
	CreatedBy      string            `json:"created_by" db:"created_by"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// HasChannel reports whether the channel was requested
func (n *Notification) HasChannel(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Expired reports whether the notification is past its expiry at the given time
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// UserNotification is the per-recipient fan-out record
type UserNotification struct {
	NotificationID string     `json:"notification_id" db:"notification_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Title          string     `json:"title,omitempty" db:"title"`
	Body           string     `json:"body,omitempty" db:"body"`
	IsRead         bool       `json:"is_read" db:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty" db:"read_at"`
	IsDelivered    bool       `json:"is_delivered" db:"is_delivered"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// DeliveryLog records the latest attempt to deliver a notification to one recipient over one channel
type DeliveryLog struct {
	ID             string         `json:"id" db:"id"`
	NotificationID string         `json:"notification_id" db:"notification_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Contact        string         `json:"contact,omitempty" db:"contact"`
	Channel        Channel        `json:"channel" db:"channel"`
	Status         DeliveryStatus `json:"status" db:"status"`
	ProviderRef    string         `json:"provider_ref,omitempty" db:"provider_ref"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	Attempts       int            `json:"attempts" db:"attempts"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Recipient is a resolved user together with the contact details sinks need
type Recipient struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	PushToken  string `json:"push_token,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Contact returns the address used for the channel, empty when unknown
func (r Recipient) Contact(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelPush:
		return r.PushToken
	case ChannelWebhook:
		return r.WebhookURL
	case ChannelInApp:
		return r.ID
	}
	return ""
}

// Template represents a notification template
type Template struct {
	ID              string    `json:"id" db:"id"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	Name            string    `json:"name" db:"name"`
	TitleTemplate   string    `json:"title_template" db:"title_template"`
	BodyTemplate    string    `json:"body_template" db:"body_template"`
	DefaultChannels []Channel `json:"default_channels,omitempty" db:"default_channels"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SubmitRequest represents a request to submit a notification
type SubmitRequest struct {
	TenantID     string            `json:"tenant_id" validate:"required"`
	Title        string            `json:"title" validate:"required_without=TemplateRef"`
	Body         string            `json:"body" validate:"required_without=TemplateRef"`
	Type         string            `json:"type" validate:"required,oneof=SYSTEM ACADEMIC ATTENDANCE EXAM_RESULT FEE_REMINDER ANNOUNCEMENT EVENT EMERGENCY WELCOME PASSWORD_RESET GRADE_UPDATE ASSIGNMENT TIMETABLE_CHANGE DISCIPLINARY HEALTH TRANSPORT LIBRARY CUSTOM"`
	Priority     string            `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT CRITICAL"`
	Category     string            `json:"category" validate:"omitempty,oneof=GENERAL ACADEMIC ADMINISTRATIVE FINANCIAL HEALTH SAFETY EVENTS SYSTEM PERSONAL"`
	Channels     []string          `json:"channels" validate:"omitempty,dive,oneof=EMAIL SMS PUSH IN_APP WEBHOOK"`
	Target       TargetSpec        `json:"target"`
	TemplateRef  string            `json:"template_ref,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	CreatedBy    string            `json:"created_by" validate:"required"`
}

// Receipt is returned once a notification and its fan-out records are persisted
type Receipt struct {
	NotificationID string `json:"notification_id"`
	Status         Status `json:"status"`
	TotalTargets   int    `json:"total_targets"`
	// Dispatch is nil unless the notification was dispatched immediately
	Dispatch *Batch `json:"-"`
}

// ChannelStats counts delivery log entries of one channel by status
type ChannelStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

func (c *ChannelStats) add(status DeliveryStatus, n int) {
	c.Total += n
	switch status {
	case DeliveryPending:
		c.Pending += n
	case DeliverySent:
		c.Sent += n
	case DeliveryDelivered:
		c.Delivered += n
	case DeliveryRead:
		c.Read += n
	case DeliveryFailed:
		c.Failed += n
	}
}

// NotificationWithStats is a notification together with its delivery breakdown
type NotificationWithStats struct {
	*Notification
	ChannelStats map[Channel]ChannelStats `json:"channel_stats"`
}

// ListFilter narrows ListNotifications
type ListFilter struct {
	TenantID  string
	Type      Type
	Category  Category
	Status    Status
	Priority  Priority
	CreatedBy string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// NotificationPage is one page of notifications
type NotificationPage struct {
	Items    []*NotificationWithStats `json:"items"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// InboxFilter narrows a user's notification list
type InboxFilter struct {
	TenantID   string
	UserID     string
	UnreadOnly bool
	Type       Type
	Category   Category
	Now        time.Time
	Limit      int
	Offset     int
}

// InboxItem is one notification as seen by a recipient
type InboxItem struct {
	NotificationID string     `json:"notification_id"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	Type           Type       `json:"type"`
	Priority       Priority   `json:"priority"`
	Category       Category   `json:"category"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	IsDelivered    bool       `json:"is_delivered"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Inbox is a page of a user's notifications plus the unread total
type Inbox struct {
	Items       []*InboxItem `json:"items"`
	UnreadCount int          `json:"unread_count"`
}

// Counters are the aggregate counts of a notification
type Counters struct {
	TotalTargets   int `json:"total_targets"`
	DeliveredCount int `json:"delivered_count"`
	ReadCount      int `json:"read_count"`
}
