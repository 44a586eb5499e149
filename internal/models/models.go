package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type ServiceType string

const (
	ServiceHaulAway  ServiceType = "HAUL_AWAY"
	ServiceLaborOnly ServiceType = "LABOR_ONLY"
)

func (t ServiceType) Valid() bool { return t == ServiceHaulAway || t == ServiceLaborOnly }

// VolumeTier is the truck-fraction bucket a haul-away load is priced at.
type VolumeTier string

const (
	TierEighth       VolumeTier = "1_8"
	TierQuarter      VolumeTier = "1_4"
	TierHalf         VolumeTier = "1_2"
	TierThreeQuarter VolumeTier = "3_4"
	TierFull         VolumeTier = "full"
)

// VolumeTiers lists every tier in ascending load order.
var VolumeTiers = []VolumeTier{TierEighth, TierQuarter, TierHalf, TierThreeQuarter, TierFull}

type LineItem struct {
	Code   string  `json:"code"`
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Quote is an ephemeral price breakdown; it is only persisted as part of a Job.
type Quote struct {
	ServiceAreaID string      `json:"service_area_id"`
	ServiceType   ServiceType `json:"service_type"`
	VolumeTier    VolumeTier  `json:"volume_tier,omitempty"`
	Hours         float64     `json:"hours,omitempty"`
	DistanceMiles float64     `json:"distance_miles"`
	AddonIDs      []string    `json:"addon_ids,omitempty"`
	LineItems     []LineItem  `json:"line_items"`
	DisposalCap   *float64    `json:"disposal_cap,omitempty"`
	Subtotal      float64     `json:"subtotal"`
	PlatformFee   float64     `json:"platform_fee"`
	Total         float64     `json:"total"`
}

type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type Pickup struct {
	Address string `json:"address"`
	Loc     *Coord `json:"loc,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type Job struct {
	ID                 string      `json:"id"`
	CustomerID         string      `json:"customer_id"`
	ServiceAreaID      string      `json:"service_area_id"`
	ServiceType        ServiceType `json:"service_type"`
	Status             JobStatus   `json:"status"`
	Contact            Contact     `json:"contact"`
	Pickup             Pickup      `json:"pickup"`
	VolumeTier         VolumeTier  `json:"volume_tier,omitempty"`
	Hours              float64     `json:"hours,omitempty"`
	DistanceMiles      float64     `json:"distance_miles"`
	LineItems          []LineItem  `json:"line_items"`
	ServicePrice       float64     `json:"service_price"`
	DisposalCap        *float64    `json:"disposal_cap,omitempty"`
	PlatformFee        float64     `json:"platform_fee"`
	Total              float64     `json:"total"`
	DriverPayout       *float64    `json:"driver_payout,omitempty"`
	PaymentProvider    string      `json:"payment_provider,omitempty"`
	PaymentRef         string      `json:"payment_ref,omitempty"`
	PaidAt             *time.Time  `json:"paid_at,omitempty"`
	ScheduledFor       *time.Time  `json:"scheduled_for,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
	AssignedDriverID   string      `json:"assigned_driver_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

type JobOffer struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	DriverID    string      `json:"driver_id"`
	Wave        int         `json:"wave"`
	Status      OfferStatus `json:"status"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Open reports whether the offer can still be answered at now.
func (o JobOffer) Open(now time.Time) bool {
	return o.Status == OfferPending && now.Before(o.ExpiresAt)
}

type JobAssignment struct {
	JobID      string    `json:"job_id"`
	DriverID   string    `json:"driver_id"`
	OfferID    string    `json:"offer_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

type DriverStatus string

const (
	DriverPending  DriverStatus = "pending"
	DriverApproved DriverStatus = "approved"
	DriverBlocked  DriverStatus = "blocked"
)

type Driver struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    DriverStatus `json:"status"`
	Online    bool         `json:"online"`
	Rating    float64      `json:"rating"` // 0..5
	Loc       *Coord       `json:"loc,omitempty"`
	UpdatedAt time.Time    `json:"updated"`
}

// Eligible reports whether the driver may receive offers in a new wave.
func (d Driver) Eligible() bool { return d.Status == DriverApproved && d.Online }

// DriverLocation is the message published by driver apps on every position fix.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
)

type Payout struct {
	ID                    string       `json:"id"`
	JobID                 string       `json:"job_id"`
	DriverID              string       `json:"driver_id"`
	DriverPayout          float64      `json:"driver_payout"`
	DisposalReimbursement float64      `json:"disposal_reimbursement"`
	DisposalCostActual    *float64     `json:"disposal_cost_actual,omitempty"`
	DisposalReceiptURL    string       `json:"disposal_receipt_url,omitempty"`
	TotalAmount           float64      `json:"total_amount"`
	Status                PayoutStatus `json:"status"`
	CompletedAt           time.Time    `json:"completed_at"`
	CreatedAt             time.Time    `json:"created_at"`
	PaidAt                *time.Time   `json:"paid_at,omitempty"`
}

type EventType string

const (
	EventJobCreated      EventType = "job.created"
	EventJobTransitioned EventType = "job.transitioned"
	EventOfferCreated    EventType = "offer.created"
	EventOfferAccepted   EventType = "offer.accepted"
	EventOfferRejected   EventType = "offer.rejected"
	EventOfferExpired    EventType = "offer.expired"
	EventWaveIssued      EventType = "dispatch.wave_issued"
	EventNoCoverage      EventType = "dispatch.no_coverage"
	EventPayoutCreated   EventType = "payout.created"
)

// Event is an append-only record of something that happened to a job.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	OfferID  string    `json:"offer_id,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	From     JobStatus `json:"from,omitempty"`
	To       JobStatus `json:"to,omitempty"`
	Wave     int       `json:"wave,omitempty"`
	At       time.Time `json:"at"`
}
