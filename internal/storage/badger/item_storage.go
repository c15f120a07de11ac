package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ItemStorage implements the ItemStorage interface for Badger
type ItemStorage struct {
	db     *BadgerDB
	batch  *BatchStorage
	logger arbor.ILogger
}

// NewItemStorage creates a new ItemStorage instance
func NewItemStorage(db *BadgerDB, batch *BatchStorage, logger arbor.ILogger) *ItemStorage {
	return &ItemStorage{
		db:     db,
		batch:  batch,
		logger: logger,
	}
}

// InsertItemIfAbsent stores the item unless one with the same link exists.
// The unique index on Link turns concurrent duplicate inserts into a benign
// "already seen" outcome.
func (s *ItemStorage) InsertItemIfAbsent(ctx context.Context, item *models.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item ID is required")
	}
	if item.Link == "" {
		return false, fmt.Errorf("item link is required")
	}

	err := s.db.Store().Insert(item.ID, item)
	if err == badgerhold.ErrUniqueExists || err == badgerhold.ErrKeyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert item: %w", err)
	}
	return true, nil
}

func (s *ItemStorage) SaveItem(ctx context.Context, item *models.Item) error {
	if item.ID == "" {
		return fmt.Errorf("item ID is required")
	}
	if err := s.db.Store().Upsert(item.ID, item); err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (s *ItemStorage) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	var item models.Item
	if err := s.db.Store().Get(itemID, &item); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("item not found: %s", itemID)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// SetItemContent writes crawl output onto the item.
func (s *ItemStorage) SetItemContent(ctx context.Context, itemID, html, text string) error {
	store := s.db.Store()
	return s.batch.runTxn(ctx, func(txn *badgerdb.Txn) error {
		var item models.Item
		if err := store.TxGet(txn, itemID, &item); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("item not found: %s", itemID)
			}
			return err
		}
		item.HTML = html
		item.Text = text
		item.UpdatedAt = s.batch.now()
		return store.TxUpsert(txn, itemID, &item)
	})
}

// ListItemsForJob returns the job's items that still need analysis.
func (s *ItemStorage) ListItemsForJob(ctx context.Context, jobID string) ([]*models.Item, error) {
	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("AnalysisJobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list items for job: %w", err)
	}

	result := make([]*models.Item, 0, len(items))
	for i := range items {
		if items[i].Text == "" || items[i].Analysis != nil {
			continue
		}
		result = append(result, &items[i])
	}
	return result, nil
}

// ListEligibleItems returns crawled, unanalysed items not claimed by any
// non-terminal job. Full scan; BadgerHold has no aggregation.
func (s *ItemStorage) ListEligibleItems(ctx context.Context) ([]*models.Item, error) {
	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("Link").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to scan items: %w", err)
	}

	result := make([]*models.Item, 0)
	for i := range items {
		item := &items[i]
		if !item.EligibleForRegistration() {
			continue
		}
		claimed, err := s.batch.IsItemClaimed(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if claimed {
			continue
		}
		result = append(result, item)
	}
	return result, nil
}

// ApplyAnalysis sets the item's analysis unconditionally. Re-applying the
// same provider output yields the same state.
func (s *ItemStorage) ApplyAnalysis(ctx context.Context, itemID string, analysis *models.Analysis) error {
	store := s.db.Store()
	return s.batch.runTxn(ctx, func(txn *badgerdb.Txn) error {
		var item models.Item
		if err := store.TxGet(txn, itemID, &item); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("item not found: %s", itemID)
			}
			return err
		}
		item.Analysis = analysis
		item.UpdatedAt = s.batch.now()
		return store.TxUpsert(txn, itemID, &item)
	})
}

// ListUnprocessedIdentifiers walks analyses for channel identifiers whose
// follow-up has not run yet.
func (s *ItemStorage) ListUnprocessedIdentifiers(ctx context.Context) ([]interfaces.IdentifierRef, error) {
	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("Link").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to scan items: %w", err)
	}

	refs := []interfaces.IdentifierRef{}
	for i := range items {
		item := &items[i]
		if item.Analysis == nil {
			continue
		}
		for p, promotion := range item.Analysis.Promotions {
			for id, identifier := range promotion.Identifiers {
				if identifier.IsProcessed {
					continue
				}
				refs = append(refs, interfaces.IdentifierRef{
					ItemID:        item.ID,
					Identifier:    identifier.Identifier,
					PromotionIdx:  p,
					IdentifierIdx: id,
				})
			}
		}
	}
	return refs, nil
}

// MarkIdentifierProcessed writes the follow-up outcome back at the
// addressed position inside the item's analysis.
func (s *ItemStorage) MarkIdentifierProcessed(ctx context.Context, itemID string, promotionIdx, identifierIdx int, channelID int64, errMsg string) error {
	store := s.db.Store()
	return s.batch.runTxn(ctx, func(txn *badgerdb.Txn) error {
		var item models.Item
		if err := store.TxGet(txn, itemID, &item); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("item not found: %s", itemID)
			}
			return err
		}
		if item.Analysis == nil {
			return fmt.Errorf("item has no analysis: %s", itemID)
		}
		if promotionIdx < 0 || promotionIdx >= len(item.Analysis.Promotions) {
			return fmt.Errorf("promotion index %d out of range for item %s", promotionIdx, itemID)
		}
		identifiers := item.Analysis.Promotions[promotionIdx].Identifiers
		if identifierIdx < 0 || identifierIdx >= len(identifiers) {
			return fmt.Errorf("identifier index %d out of range for item %s", identifierIdx, itemID)
		}

		identifiers[identifierIdx].IsProcessed = true
		identifiers[identifierIdx].ChannelID = channelID
		identifiers[identifierIdx].Error = errMsg
		item.UpdatedAt = s.batch.now()
		return store.TxUpsert(txn, itemID, &item)
	})
}
