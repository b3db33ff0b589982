package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairsync/internal/models"
)

// CreateCouple pairs two distinct users. The pair is stored in normalized
// order so the same two users cannot form a second couple.
func (s *Service) CreateCouple(ctx context.Context, userAID, userBID int64) (*models.Couple, error) {
	if userAID <= 0 || userBID <= 0 {
		return nil, errors.New("two user ids are required")
	}
	if userAID == userBID {
		return nil, errors.New("a couple needs two distinct users")
	}
	if userAID > userBID {
		userAID, userBID = userBID, userAID
	}
	for _, id := range []int64{userAID, userBID} {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, id,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("verify user: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("user %d not found", id)
		}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO couples (user_a_id, user_b_id, created_at) VALUES (?, ?, ?)`,
		userAID, userBID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create couple: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("couple id: %w", err)
	}
	return &models.Couple{ID: id, UserAID: userAID, UserBID: userBID, CreatedAt: now}, nil
}

// GetCouple returns the couple by id.
func (s *Service) GetCouple(ctx context.Context, id int64) (*models.Couple, error) {
	var couple models.Couple
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_a_id, user_b_id, created_at FROM couples WHERE id = ?`, id,
	).Scan(&couple.ID, &couple.UserAID, &couple.UserBID, &couple.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get couple: %w", err)
	}
	return &couple, nil
}

// CoupleForUser returns the couple the user belongs to.
func (s *Service) CoupleForUser(ctx context.Context, userID int64) (*models.Couple, error) {
	var couple models.Couple
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_a_id, user_b_id, created_at FROM couples WHERE user_a_id = ? OR user_b_id = ? ORDER BY created_at DESC LIMIT 1`,
		userID, userID,
	).Scan(&couple.ID, &couple.UserAID, &couple.UserBID, &couple.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("couple for user: %w", err)
	}
	return &couple, nil
}
