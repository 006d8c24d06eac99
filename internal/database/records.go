package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"gorm.io/gorm"
)

func newRecordRow(rec Record) SQLiteRecord {
	return SQLiteRecord{
		TxID:        rec.TxID,
		Kind:        rec.Kind,
		Digest:      rec.Digest,
		Beef:        rec.Beef,
		TokenCount:  rec.TokenCount,
		Payload:     rec.Payload,
		MediaType:   rec.MediaType,
		FileName:    rec.FileName,
		Proven:      rec.Proven,
		BlockHeight: rec.BlockHeight,
	}
}

func eventRow(ev StatusEvent) SQLiteStatusEvent {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return SQLiteStatusEvent{
		TxID:        ev.TxID,
		Source:      ev.Source,
		Status:      ev.Status,
		Detail:      ev.Detail,
		BlockHeight: ev.BlockHeight,
		CreatedAt:   ev.CreatedAt,
	}
}

func createRecord(tx *gorm.DB, rec Record) error {
	row := newRecordRow(rec)
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save record %s: %v", rec.TxID, err)
	}
	for _, ev := range rec.Events {
		if ev.TxID == "" {
			ev.TxID = rec.TxID
		}
		e := eventRow(ev)
		if err := tx.Create(&e).Error; err != nil {
			return fmt.Errorf("failed to save status event: %v", err)
		}
	}
	return nil
}

// SaveRecord persists a record and its initial status events.
func (s *Store) SaveRecord(ctx context.Context, rec Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createRecord(tx, rec)
	})
}

// SaveFunding persists a funding record together with the tokens it
// created, atomically.
func (s *Store) SaveFunding(ctx context.Context, rec Record, tokens []Token) error {
	rec.Kind = RecordKindFunding
	rec.TokenCount = len(tokens)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createRecord(tx, rec); err != nil {
			return err
		}
		return s.insertTokens(tx, tokens)
	})
}

func loadEvents(tx *gorm.DB, txid string) ([]StatusEvent, error) {
	var rows []SQLiteStatusEvent
	if err := tx.Where("tx_id = ?", txid).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]StatusEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toEvent()
	}
	return events, nil
}

// FindRecord looks a record up by txid, or by digest among commitments.
// When several commitments share a digest the oldest wins.
func (s *Store) FindRecord(ctx context.Context, id string) (*Record, error) {
	db := s.db.WithContext(ctx)
	var row SQLiteRecord
	result := db.Where("tx_id = ? OR (digest = ? AND kind = ?)", id, id, RecordKindCommitment).
		Order("created_at, id").
		First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	rec := row.toRecord()
	events, err := loadEvents(db, row.TxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status events: %v", err)
	}
	rec.Events = events
	return &rec, nil
}

// RecordsByTxIDs returns the records of txids that exist, without events.
func (s *Store) RecordsByTxIDs(ctx context.Context, txids []string) ([]Record, error) {
	if len(txids) == 0 {
		return nil, nil
	}
	var rows []SQLiteRecord
	if err := s.db.WithContext(ctx).Where("tx_id IN ?", txids).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = r.toRecord()
	}
	return records, nil
}

// UnprovenCommitmentTxIDs lists commitments that still lack a merkle path
// for their own transaction and are neither stalled nor invalid.
func (s *Store) UnprovenCommitmentTxIDs(ctx context.Context) ([]string, error) {
	var txids []string
	err := s.db.WithContext(ctx).Model(&SQLiteRecord{}).
		Where("kind = ? AND proven = ? AND stalled = ? AND invalid = ?", RecordKindCommitment, false, false, false).
		Order("id").
		Pluck("tx_id", &txids).Error
	return txids, err
}

// AppendStatus adds an event to the status log of an existing record.
func (s *Store) AppendStatus(ctx context.Context, ev StatusEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&SQLiteRecord{}).Where("tx_id = ?", ev.TxID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrRecordNotFound
		}
		e := eventRow(ev)
		return tx.Create(&e).Error
	})
}

// MergeProof attaches path to the bundle of txid's record, marks the
// record proven and the tokens created by txid confirmed. ev, when not
// nil, is appended to the status log in the same transaction.
func (s *Store) MergeProof(ctx context.Context, txid string, path *ledger.MerklePath, ev *StatusEvent) error {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return fmt.Errorf("invalid txid %q: %v", txid, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SQLiteRecord
		if err := tx.Where("tx_id = ?", txid).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		bundle, err := ledger.ParseBundleHex(row.Beef)
		if err != nil {
			return fmt.Errorf("failed to parse stored bundle of %s: %v", txid, err)
		}
		if err := bundle.AttachPath(*hash, path); err != nil {
			return fmt.Errorf("failed to merge merkle path into %s: %v", txid, err)
		}
		encoded, err := bundle.Hex()
		if err != nil {
			return err
		}
		height := path.BlockHeight
		err = tx.Model(&SQLiteRecord{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"beef":         encoded,
			"proven":       true,
			"block_height": height,
			"stalled":      false,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update record %s: %v", txid, err)
		}
		err = tx.Model(&SQLiteToken{}).
			Where("tx_id = ? AND invalid = ?", txid, false).
			Update("confirmed", true).Error
		if err != nil {
			return fmt.Errorf("failed to confirm tokens of %s: %v", txid, err)
		}
		if ev != nil {
			e := *ev
			e.TxID = txid
			if e.BlockHeight == 0 {
				e.BlockHeight = height
			}
			evRow := eventRow(e)
			if err := tx.Create(&evRow).Error; err != nil {
				return fmt.Errorf("failed to save status event: %v", err)
			}
		}
		return nil
	})
}

// IncrementAttempts counts one more unresolved tracker pass for txid and
// flags the record stalled once maxAttempts is reached. maxAttempts <= 0
// disables stalling.
func (s *Store) IncrementAttempts(ctx context.Context, txid string, maxAttempts int) (int, bool, error) {
	var (
		attempts int
		stalled  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SQLiteRecord{}).Where("tx_id = ?", txid).
			Update("attempts", gorm.Expr("attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		var row SQLiteRecord
		if err := tx.Where("tx_id = ?", txid).First(&row).Error; err != nil {
			return err
		}
		attempts = row.Attempts
		if maxAttempts > 0 && row.Attempts >= maxAttempts && !row.Stalled {
			if err := tx.Model(&SQLiteRecord{}).Where("id = ?", row.ID).Update("stalled", true).Error; err != nil {
				return err
			}
		}
		stalled = maxAttempts > 0 && row.Attempts >= maxAttempts
		return nil
	})
	return attempts, stalled, err
}

// StalledTxIDs lists records awaiting manual intervention.
func (s *Store) StalledTxIDs(ctx context.Context) ([]string, error) {
	var txids []string
	err := s.db.WithContext(ctx).Model(&SQLiteRecord{}).Where("stalled = ?", true).Order("id").Pluck("tx_id", &txids).Error
	return txids, err
}

// Unstall clears the stalled flag and attempt counter of txid.
func (s *Store) Unstall(ctx context.Context, txid string) error {
	res := s.db.WithContext(ctx).Model(&SQLiteRecord{}).Where("tx_id = ?", txid).
		Updates(map[string]interface{}{"stalled": false, "attempts": 0})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
