package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const availablePredicate = "assigned_digest IS NULL AND confirmed = ? AND invalid = ?"

// InsertTokens stores newly funded tokens.
func (s *Store) InsertTokens(ctx context.Context, tokens []Token) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertTokens(tx, tokens)
	})
}

func (s *Store) insertTokens(tx *gorm.DB, tokens []Token) error {
	if len(tokens) == 0 {
		return nil
	}
	rows := make([]SQLiteToken, len(tokens))
	for i, t := range tokens {
		secret, err := s.box.seal(t.Secret)
		if err != nil {
			return err
		}
		rows[i] = SQLiteToken{
			TxID:      t.TxID,
			Vout:      t.Vout,
			Script:    t.Script,
			Satoshis:  t.Satoshis,
			Secret:    secret,
			Challenge: t.Challenge,
			Confirmed: t.Confirmed,
			Invalid:   t.Invalid,
		}
	}
	if err := tx.CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("failed to insert tokens: %v", err)
	}
	return nil
}

// Allocate claims count available tokens for digest. Every claim is a
// single conditional update, so concurrent allocators never share a token.
// When fewer than count tokens can be claimed, the partial claim is
// released and an *InsufficientTokensError is returned.
func (s *Store) Allocate(ctx context.Context, count int, digest string) ([]Token, error) {
	if count < 1 {
		return nil, fmt.Errorf("invalid token count %d", count)
	}
	db := s.db.WithContext(ctx)

	var (
		claimed []SQLiteToken
		tried   []uint
	)
	for len(claimed) < count {
		var candidates []SQLiteToken
		q := db.Where(availablePredicate, true, false).Order("id").Limit(count - len(claimed))
		if len(tried) > 0 {
			q = q.Where("id NOT IN ?", tried)
		}
		if err := q.Find(&candidates).Error; err != nil {
			s.releaseIDs(context.WithoutCancel(ctx), claimedIDs(claimed), digest)
			return nil, fmt.Errorf("failed to query tokens: %v", err)
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			tried = append(tried, c.ID)
			now := time.Now()
			res := db.Model(&SQLiteToken{}).
				Where("id = ? AND "+availablePredicate, c.ID, true, false).
				Updates(map[string]interface{}{"assigned_digest": digest, "assigned_at": now})
			if res.Error != nil {
				s.releaseIDs(context.WithoutCancel(ctx), claimedIDs(claimed), digest)
				return nil, fmt.Errorf("failed to claim token: %v", res.Error)
			}
			if res.RowsAffected == 1 {
				d := digest
				c.AssignedDigest = &d
				c.AssignedAt = &now
				claimed = append(claimed, c)
			}
		}
	}

	if len(claimed) < count {
		if err := s.releaseIDs(context.WithoutCancel(ctx), claimedIDs(claimed), digest); err != nil {
			return nil, fmt.Errorf("failed to release partial allocation: %v", err)
		}
		return nil, &InsufficientTokensError{Requested: count, Claimed: len(claimed)}
	}

	tokens := make([]Token, len(claimed))
	for i, c := range claimed {
		secret, err := s.box.open(c.Secret)
		if err != nil {
			s.releaseIDs(context.WithoutCancel(ctx), claimedIDs(claimed), digest)
			return nil, fmt.Errorf("failed to read secret of %s:%d: %v", c.TxID, c.Vout, err)
		}
		tokens[i] = c.toToken(secret)
	}
	return tokens, nil
}

func claimedIDs(tokens []SQLiteToken) []uint {
	ids := make([]uint, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

// Release returns tokens assigned to digest to the pool. Tokens assigned
// to any other digest are left alone.
func (s *Store) Release(ctx context.Context, tokens []Token, digest string) error {
	ids := make([]uint, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return s.releaseIDs(ctx, ids, digest)
}

func (s *Store) releaseIDs(ctx context.Context, ids []uint, digest string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&SQLiteToken{}).
		Where("id IN ? AND assigned_digest = ?", ids, digest).
		Updates(map[string]interface{}{"assigned_digest": nil, "assigned_at": nil}).Error
}

// MarkConfirmed flags every token of txid as confirmed.
func (s *Store) MarkConfirmed(ctx context.Context, txid string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&SQLiteToken{}).
		Where("tx_id = ? AND invalid = ?", txid, false).
		Update("confirmed", true)
	return res.RowsAffected, res.Error
}

// MarkInvalid flags every token of txid as permanently unusable and marks
// the record of txid, if any, as terminally invalid so it is never
// resolved again. It returns the number of tokens flagged.
func (s *Store) MarkInvalid(ctx context.Context, txid string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SQLiteToken{}).Where("tx_id = ?", txid).Update("invalid", true)
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return tx.Model(&SQLiteRecord{}).Where("tx_id = ? AND proven = ?", txid, false).
			Update("invalid", true).Error
	})
	return n, err
}

// CountAvailable returns the number of allocatable tokens.
func (s *Store) CountAvailable(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&SQLiteToken{}).Where(availablePredicate, true, false).Count(&n).Error
	return n, err
}

// Stats counts tokens per state.
func (s *Store) Stats(ctx context.Context) (TokenStats, error) {
	var stats TokenStats
	count := func(dst *int64, query string, args ...interface{}) error {
		return s.db.WithContext(ctx).Model(&SQLiteToken{}).Where(query, args...).Count(dst).Error
	}
	if err := count(&stats.Available, availablePredicate, true, false); err != nil {
		return stats, err
	}
	if err := count(&stats.Assigned, "assigned_digest IS NOT NULL"); err != nil {
		return stats, err
	}
	if err := count(&stats.Pending, "confirmed = ? AND invalid = ?", false, false); err != nil {
		return stats, err
	}
	if err := count(&stats.Invalid, "invalid = ?", true); err != nil {
		return stats, err
	}
	return stats, nil
}

// PendingTokenTxIDs lists the distinct funding transactions whose tokens
// are neither confirmed nor invalid, skipping stalled and invalid records.
func (s *Store) PendingTokenTxIDs(ctx context.Context) ([]string, error) {
	db := s.db.WithContext(ctx)
	stalled := db.Model(&SQLiteRecord{}).Select("tx_id").Where("stalled = ? OR invalid = ?", true, true)
	var txids []string
	err := db.Model(&SQLiteToken{}).
		Where("confirmed = ? AND invalid = ?", false, false).
		Where("tx_id NOT IN (?)", stalled).
		Distinct().
		Pluck("tx_id", &txids).Error
	return txids, err
}
