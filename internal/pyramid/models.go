// Package pyramid implements the KSS pyramid DCA session manager:
// wave generation, fill-driven progression, take-profit trigger, and
// timeout detection. Sessions and waves persist in their own database
// with their own pool, independent of both the SOT and TS stores.
package pyramid

import (
	"time"

	"github.com/ksred/paperexec/internal/money"
)

// Status is a Session lifecycle state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusTPTriggered Status = "TP_TRIGGERED"
	StatusStopped     Status = "STOPPED"
	StatusTimeout     Status = "TIMEOUT"
	StatusCompleted   Status = "COMPLETED"
)

// WaveStatus is a Wave lifecycle state.
type WaveStatus string

const (
	WaveStatusPending   WaveStatus = "PENDING"
	WaveStatusQueued    WaveStatus = "QUEUED"
	WaveStatusFilled    WaveStatus = "FILLED"
	WaveStatusCancelled WaveStatus = "CANCELLED"
)

// Session is a single KSS pyramid DCA run on one symbol. MinQty,
// StepSize and PriceStep are captured from the price source at create
// time (exchange metadata is static per run), so wave math never
// re-fetches it mid-session.
type Session struct {
	ID             int64                  `gorm:"primaryKey" json:"id"`
	Symbol         string                 `gorm:"index" json:"symbol"`
	EntryPrice     money.StorableDecimal  `gorm:"type:text" json:"entry_price"`
	DistancePct    float64                `json:"distance_pct"`
	MaxWaves       int                    `json:"max_waves"`
	IsolatedFund   money.StorableDecimal  `gorm:"type:text" json:"isolated_fund"`
	TPPct          float64                `json:"tp_pct"`
	TimeoutMin     float64                `json:"timeout_min"`
	GapMin         float64                `json:"gap_min"`
	PipMultiplier  float64                `json:"pip_multiplier"`
	MinQty         money.StorableDecimal  `gorm:"type:text" json:"min_qty"`
	StepSize       money.StorableDecimal  `gorm:"type:text" json:"step_size"`
	PriceStep      money.StorableDecimal  `gorm:"type:text" json:"price_step"`
	Status         Status                 `gorm:"index" json:"status"`
	CurrentWave    int                    `json:"current_wave"`
	TotalFilledQty money.StorableDecimal  `gorm:"type:text" json:"total_filled_qty"`
	TotalCost      money.StorableDecimal  `gorm:"type:text" json:"total_cost"`
	AvgPrice       money.StorableDecimal  `gorm:"type:text" json:"avg_price"`
	StopReason     string                 `json:"stop_reason,omitempty"`
	LastWaveQueuedAt *time.Time           `json:"last_wave_queued_at,omitempty"`
	NextWaveDueAt  *time.Time             `json:"next_wave_due_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	LastFillAt     *time.Time             `json:"last_fill_at,omitempty"`
}

func (Session) TableName() string { return "pyramid_sessions" }

// Wave is one DCA leg of a Session. At most one wave per session may
// be QUEUED at a time.
type Wave struct {
	ID            int64                  `gorm:"primaryKey" json:"id"`
	SessionID     int64                  `gorm:"uniqueIndex:idx_session_wave" json:"session_id"`
	WaveNum       int                    `gorm:"uniqueIndex:idx_session_wave" json:"wave_num"`
	TargetQty     money.StorableDecimal  `gorm:"type:text" json:"target_qty"`
	TargetPrice   money.StorableDecimal  `gorm:"type:text" json:"target_price"`
	Status        WaveStatus             `gorm:"index" json:"status"`
	FilledQty     *money.StorableDecimal `gorm:"type:text" json:"filled_qty,omitempty"`
	FilledPrice   *money.StorableDecimal `gorm:"type:text" json:"filled_price,omitempty"`
	FilledAt      *time.Time             `json:"filled_at,omitempty"`
	PendingOrderID *int64                `json:"pending_order_id,omitempty"`
}

func (Wave) TableName() string { return "pyramid_waves" }
