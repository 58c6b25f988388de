package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type DispatchRepository struct {
	*pg.DB
}

func NewDispatchRepository(db *pg.DB) *DispatchRepository {
	return &DispatchRepository{
		db,
	}
}

func (r *DispatchRepository) CreateDispatch(ctx context.Context, d *model.Dispatch) (*model.Dispatch, error) {
	entity := toDispatchEntity(d)
	if entity.Status == "" {
		entity.Status = string(model.DispatchStatusPending)
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		logger.Error("failed to create dispatch", "route_id", d.RouteID, "driver_id", d.DriverID, "error", err)
		return nil, newError(CodeCreateFailed, "create dispatch", err)
	}
	return toDispatchModel(entity), nil
}

// CreateDispatchWithChannels stores the dispatch and one pending row per channel atomically.
func (r *DispatchRepository) CreateDispatchWithChannels(ctx context.Context, d *model.Dispatch, channels []model.Channel) (*model.DispatchWithChannels, error) {
	var out *model.DispatchWithChannels
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		created, err := r.CreateDispatch(ctx, d)
		if err != nil {
			return err
		}
		rows := make([]*model.ChannelDispatch, len(channels))
		for i, ch := range channels {
			rows[i] = &model.ChannelDispatch{
				DispatchID: created.ID,
				Channel:    ch,
				Status:     model.ChannelStatusPending,
			}
		}
		createdRows, err := r.CreateChannelDispatchBatch(ctx, rows)
		if err != nil {
			return err
		}
		out = &model.DispatchWithChannels{Dispatch: created, ChannelDispatches: createdRows}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DispatchRepository) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	entity, err := r.findDispatch(ctx, r.Read(ctx), id, "get dispatch")
	if err != nil {
		return nil, err
	}
	return toDispatchModel(entity), nil
}

func (r *DispatchRepository) GetDispatchWithChannels(ctx context.Context, id string) (*model.DispatchWithChannels, error) {
	d, err := r.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	channels, err := r.GetChannelDispatchesByDispatchID(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return &model.DispatchWithChannels{Dispatch: d, ChannelDispatches: channels}, nil
}

func (r *DispatchRepository) UpdateDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) (*model.Dispatch, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, newError(CodeNotFound, "update dispatch status", err)
	}

	res := r.Write(ctx).Model(&DispatchEntity{}).
		Where("id = ?", uid).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		logger.Error("failed to update dispatch status", "dispatch_id", id, "status", status, "error", res.Error)
		return nil, newError(CodeUpdateFailed, "update dispatch status", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, newError(CodeNotFound, "update dispatch status", nil)
	}
	return r.GetDispatch(ctx, id)
}

// dispatchSources lists the statuses a dispatch may leave for each target status.
var dispatchSources = map[model.DispatchStatus][]string{
	model.DispatchStatusSending:            {string(model.DispatchStatusPending)},
	model.DispatchStatusDelivered:          {string(model.DispatchStatusPending), string(model.DispatchStatusSending)},
	model.DispatchStatusPartiallyDelivered: {string(model.DispatchStatusPending), string(model.DispatchStatusSending)},
	model.DispatchStatusFailed:             {string(model.DispatchStatusPending), string(model.DispatchStatusSending)},
}

// TransitionDispatchStatus moves a dispatch to status only from an allowed source status.
// It reports false, without error, when the dispatch is already past that point.
func (r *DispatchRepository) TransitionDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) (bool, error) {
	sources, ok := dispatchSources[status]
	if !ok {
		return false, newError(CodeInvalidTransition, "transition dispatch status",
			fmt.Errorf("no transition into %s", status))
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, newError(CodeNotFound, "transition dispatch status", err)
	}

	res := r.Write(ctx).Model(&DispatchEntity{}).
		Where("id = ? AND status IN ?", uid, sources).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		logger.Error("failed to transition dispatch status", "dispatch_id", id, "status", status, "error", res.Error)
		return false, newError(CodeUpdateFailed, "transition dispatch status", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkAcknowledged records the first acknowledgement; later calls keep the original time.
func (r *DispatchRepository) MarkAcknowledged(ctx context.Context, id string, at time.Time) (*model.Dispatch, error) {
	var out *model.Dispatch
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		entity, err := r.findDispatch(ctx, pg.ForUpdate(r.Write(ctx)), id, "acknowledge dispatch")
		if err != nil {
			return err
		}
		if entity.AcknowledgedAt == nil {
			at = at.UTC()
			entity.AcknowledgedAt = &at
			if err := r.Write(ctx).Save(entity).Error; err != nil {
				return newError(CodeUpdateFailed, "acknowledge dispatch", err)
			}
		}
		out = toDispatchModel(entity)
		return nil
	})
	return out, err
}

func (r *DispatchRepository) CreateChannelDispatch(ctx context.Context, c *model.ChannelDispatch) (*model.ChannelDispatch, error) {
	entity := toChannelDispatchEntity(c)
	if entity.Status == "" {
		entity.Status = string(model.ChannelStatusPending)
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		logger.Error("failed to create channel dispatch", "dispatch_id", c.DispatchID, "channel", c.Channel, "error", err)
		return nil, newError(CodeChannelCreateFailed, "create channel dispatch", err)
	}
	return toChannelDispatchModel(entity), nil
}

// CreateChannelDispatchBatch inserts rows in one statement. Creation times are
// spaced by a microsecond so reads return them in insertion order.
func (r *DispatchRepository) CreateChannelDispatchBatch(ctx context.Context, rows []*model.ChannelDispatch) ([]*model.ChannelDispatch, error) {
	if len(rows) == 0 {
		return []*model.ChannelDispatch{}, nil
	}

	now := time.Now().UTC()
	entities := make([]*ChannelDispatchEntity, len(rows))
	for i, c := range rows {
		e := toChannelDispatchEntity(c)
		if e.Status == "" {
			e.Status = string(model.ChannelStatusPending)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
			e.UpdatedAt = e.CreatedAt
		}
		entities[i] = e
	}

	if err := r.Write(ctx).Create(&entities).Error; err != nil {
		logger.Error("failed to create channel dispatches", "count", len(rows), "error", err)
		return nil, newError(CodeChannelCreateFailed, "create channel dispatch batch", err)
	}
	return toChannelDispatchModels(entities), nil
}

// UpdateChannelDispatch applies the non-nil fields of u under a row lock.
// Status changes must follow the channel state machine, rows that reached delivered or failed
// are never rewritten, delivered needs sent_at and failed needs an error message.
func (r *DispatchRepository) UpdateChannelDispatch(ctx context.Context, id string, u model.ChannelDispatchUpdate) (*model.ChannelDispatch, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, newError(CodeNotFound, "update channel dispatch", err)
	}

	var out *model.ChannelDispatch
	err = r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity ChannelDispatchEntity
		err := pg.ForUpdate(r.Write(ctx)).Where("id = ?", uid).First(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(CodeNotFound, "update channel dispatch", nil)
		}
		if err != nil {
			return newError(CodeQueryFailed, "update channel dispatch", err)
		}

		current := model.ChannelStatus(entity.Status)
		if current.IsTerminal() {
			return newError(CodeInvalidTransition, "update channel dispatch",
				fmt.Errorf("row is already %s", current))
		}
		if u.Status != "" {
			if !current.CanTransitionTo(u.Status) {
				return newError(CodeInvalidTransition, "update channel dispatch",
					fmt.Errorf("%s -> %s is not allowed", current, u.Status))
			}
			entity.Status = string(u.Status)
		}
		if u.ProviderMessageID != nil {
			entity.ProviderMessageID = u.ProviderMessageID
		}
		if u.ErrorMessage != nil {
			entity.ErrorMessage = u.ErrorMessage
		}
		if u.SentAt != nil {
			entity.SentAt = u.SentAt
		}
		if u.DeliveredAt != nil {
			entity.DeliveredAt = u.DeliveredAt
		}
		if err := checkChannelDispatch(&entity); err != nil {
			return newError(CodeInvalidTransition, "update channel dispatch", err)
		}

		if err := r.Write(ctx).Save(&entity).Error; err != nil {
			logger.Error("failed to update channel dispatch", "channel_dispatch_id", id, "error", err)
			return newError(CodeChannelUpdateFailed, "update channel dispatch", err)
		}
		out = toChannelDispatchModel(&entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func checkChannelDispatch(e *ChannelDispatchEntity) error {
	switch model.ChannelStatus(e.Status) {
	case model.ChannelStatusDelivered:
		if e.SentAt == nil {
			return errors.New("delivered requires sent_at")
		}
	case model.ChannelStatusFailed:
		if e.ErrorMessage == nil || strings.TrimSpace(*e.ErrorMessage) == "" {
			return errors.New("failed requires error_message")
		}
	}
	return nil
}

// ClaimChannelDispatch moves a row to sending for exactly one caller. Pending rows are always
// claimable; a row stuck in sending is claimable again once it was last touched before staleBefore.
// It reports false when the row is missing, finished or owned by another sender.
func (r *DispatchRepository) ClaimChannelDispatch(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}

	res := r.Write(ctx).Model(&ChannelDispatchEntity{}).
		Where("id = ?", uid).
		Where("status = ? OR (status = ? AND updated_at < ?)",
			string(model.ChannelStatusPending), string(model.ChannelStatusSending), staleBefore.UTC()).
		Updates(map[string]any{"status": string(model.ChannelStatusSending), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		logger.Error("failed to claim channel dispatch", "channel_dispatch_id", id, "error", res.Error)
		return false, newError(CodeChannelUpdateFailed, "claim channel dispatch", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *DispatchRepository) GetChannelDispatchesByDispatchID(ctx context.Context, dispatchID string) ([]*model.ChannelDispatch, error) {
	uid, err := uuid.Parse(dispatchID)
	if err != nil {
		return []*model.ChannelDispatch{}, nil
	}

	var entities []*ChannelDispatchEntity
	if err := r.Read(ctx).Where("dispatch_id = ?", uid).Order("created_at ASC").Find(&entities).Error; err != nil {
		return nil, newError(CodeQueryFailed, "list channel dispatches", err)
	}
	return toChannelDispatchModels(entities), nil
}

// ListDispatches returns one page, newest first, and the total matching count.
func (r *DispatchRepository) ListDispatches(ctx context.Context, f model.DispatchFilter) ([]*model.Dispatch, int64, error) {
	q := r.Read(ctx).Model(&DispatchEntity{})

	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.DriverID != nil && *f.DriverID != "" {
		q = q.Where("driver_id = ?", *f.DriverID)
	}
	if f.RouteID != nil && *f.RouteID != "" {
		q = q.Where("route_id = ?", *f.RouteID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, newError(CodeQueryFailed, "count dispatches", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*DispatchEntity
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, newError(CodeQueryFailed, "list dispatches", err)
	}
	return toDispatchModels(entities), total, nil
}

type statusCount struct {
	Status string
	Count  int64
}

func (r *DispatchRepository) GetDispatchStats(ctx context.Context) (*model.DispatchStats, error) {
	var rows []statusCount
	err := r.Read(ctx).Model(&DispatchEntity{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, newError(CodeQueryFailed, "dispatch stats", err)
	}

	stats := &model.DispatchStats{}
	for _, row := range rows {
		stats.Total += row.Count
		switch model.DispatchStatus(row.Status) {
		case model.DispatchStatusPending:
			stats.Pending += row.Count
		case model.DispatchStatusSending, model.DispatchStatusPartiallyDelivered:
			stats.Active += row.Count
		case model.DispatchStatusDelivered:
			stats.Success += row.Count
		case model.DispatchStatusFailed:
			stats.Failed += row.Count
		}
	}
	return stats, nil
}

func (r *DispatchRepository) findDispatch(ctx context.Context, q *gorm.DB, id, op string) (*DispatchEntity, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, newError(CodeNotFound, op, nil)
	}

	var entity DispatchEntity
	err = q.WithContext(ctx).Where("id = ?", uid).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(CodeNotFound, op, nil)
	}
	if err != nil {
		logger.Error("failed to fetch dispatch", "dispatch_id", id, "error", err)
		return nil, newError(CodeQueryFailed, op, err)
	}
	return &entity, nil
}
