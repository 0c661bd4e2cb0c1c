package postgres

import (
	"time"

	"swapkline/internal/kline"
)

// BarRecord is a closed bar stored in the database. Only closed bars are persisted.
type BarRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Token0   string    `gorm:"column:token_0;type:text;not null;index:idx_kline_bar_series,unique"`
	Token1   string    `gorm:"column:token_1;type:text;not null;index:idx_kline_bar_series,unique"`
	Interval string    `gorm:"type:varchar(10);not null;index:idx_kline_bar_series,unique"`
	Start    time.Time `gorm:"not null;index:idx_kline_bar_series,unique;index:idx_kline_bar_start"`

	End time.Time `gorm:"not null"`

	Open  float64 `gorm:"type:double precision;not null"`
	Close float64 `gorm:"type:double precision;not null"`
	High  float64 `gorm:"type:double precision;not null"`
	Low   float64 `gorm:"type:double precision;not null"`

	Volume   float64 `gorm:"type:double precision;not null"`
	Turnover float64 `gorm:"type:double precision;not null"` // quote volume
	Trades   int     `gorm:"not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (BarRecord) TableName() string {
	return "kline_bar"
}

// ToBarRecord converts a closed bar of (pair, interval) into a record for insertion.
func ToBarRecord(pair kline.Pair, interval kline.Interval, bar kline.Bar) *BarRecord {
	return &BarRecord{
		Token0:   pair.Token0,
		Token1:   pair.Token1,
		Interval: string(interval),
		Start:    time.Unix(bar.Start, 0).UTC(),
		End:      time.Unix(interval.BucketEnd(bar.Start), 0).UTC(),
		Open:     bar.Open,
		Close:    bar.Close,
		High:     bar.High,
		Low:      bar.Low,
		Volume:   bar.Volume,
		Turnover: bar.QuoteVolume,
		Trades:   bar.Trades,
	}
}

// Bar converts the record back into a closed bar.
func (r BarRecord) Bar() kline.Bar {
	return kline.Bar{
		Start:       r.Start.Unix(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		QuoteVolume: r.Turnover,
		Trades:      r.Trades,
		Closed:      true,
	}
}
