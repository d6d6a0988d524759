package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

const (
	receiptsTable = "read_receipts"

	// receiptWorkers bounds concurrent receipt writes.
	receiptWorkers = 4
)

// ReceiptService records and reads message read receipts.
type ReceiptService struct {
	db  DB
	now func() time.Time
}

// NewReceiptService creates a new ReceiptService instance.
func NewReceiptService(db DB) *ReceiptService {
	return &ReceiptService{db: db, now: time.Now}
}

// MarkRead records that userID has read every confirmed message sent by
// someone else. It returns the number of receipts written.
func (s *ReceiptService) MarkRead(ctx context.Context, userID string, messages []models.Message) (int, error) {
	readAt := s.now().UTC()

	var mu sync.Mutex
	written := 0
	seen := make(map[string]bool, len(messages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptWorkers)
	for _, m := range messages {
		if m.Pending() || m.SenderID == userID || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		receipt := models.ReadReceipt{UserID: userID, MessageID: m.ID, ReadAt: readAt}
		g.Go(func() error {
			if err := s.db.Upsert(gctx, receiptsTable, receipt, "user_id,message_id"); err != nil {
				return fmt.Errorf("failed to mark message %s read: %w", receipt.MessageID, err)
			}
			mu.Lock()
			written++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return written, err
}

// ForMessages returns the receipts of the given messages, grouped by message id.
func (s *ReceiptService) ForMessages(ctx context.Context, messageIDs []string) (map[string][]models.ReadReceipt, error) {
	out := make(map[string][]models.ReadReceipt)
	if len(messageIDs) == 0 {
		return out, nil
	}

	var rows []models.ReadReceipt
	q := supabase.From(receiptsTable).
		Where(supabase.In("message_id", messageIDs...)).
		OrderBy(supabase.Asc("read_at"))
	if err := s.db.Select(ctx, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to load read receipts: %w", err)
	}
	for _, r := range rows {
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, nil
}

// IsRead reports whether anyone other than the sender has read the message.
func IsRead(m models.Message, receipts []models.ReadReceipt) bool {
	for _, r := range receipts {
		if r.MessageID == m.ID && r.UserID != m.SenderID {
			return true
		}
	}
	return false
}
