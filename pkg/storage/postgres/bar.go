package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swapkline/internal/kline"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertBar stores a closed bar. An existing bar for the same series and start
// is left untouched and kline.ErrDuplicateBar is returned.
func (p *PostgresClient) InsertBar(ctx context.Context, pair kline.Pair, interval kline.Interval, bar kline.Bar) error {
	record := ToBarRecord(pair, interval, bar)
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "token_0"},
			{Name: "token_1"},
			{Name: "interval"},
			{Name: "start"},
		},
		DoNothing: true,
	}).Create(record)

	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s start=%s",
			kline.ErrDuplicateBar, pair, interval, record.Start.Format(time.RFC3339))
	}

	return nil
}

// ListBars returns the bars of a series with start in [start, end], ascending.
func (p *PostgresClient) ListBars(ctx context.Context, pair kline.Pair, interval kline.Interval, start, end int64) ([]kline.Bar, error) {
	var records []BarRecord
	err := p.DB.WithContext(ctx).
		Where(`token_0 = ? AND token_1 = ? AND "interval" = ? AND "start" BETWEEN ? AND ?`,
			pair.Token0, pair.Token1, string(interval),
			time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC()).
		Order(`"start" ASC`).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	bars := make([]kline.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, r.Bar())
	}
	return bars, nil
}

// LatestBarStart returns the start of the newest stored bar of a series.
func (p *PostgresClient) LatestBarStart(ctx context.Context, pair kline.Pair, interval kline.Interval) (int64, bool, error) {
	var record BarRecord
	err := p.DB.WithContext(ctx).
		Select(`"start"`).
		Where(`token_0 = ? AND token_1 = ? AND "interval" = ?`, pair.Token0, pair.Token1, string(interval)).
		Order(`"start" DESC`).
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return record.Start.Unix(), true, nil
}

func (p *PostgresClient) DeleteBarsBefore(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where(`"start" < ?`, before.UTC()).
		Delete(&BarRecord{}).Error
}
