package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/storage"
)

// ReceiptService archives a JSON receipt for every terminal settlement. The
// archive is best-effort ops tooling: an upload failure is logged and never
// propagated into the payment pipeline.
type ReceiptService struct {
	spaces *storage.SpacesClient
}

// NewReceiptService creates a new receipt service. spaces may be nil, in
// which case archiving is disabled.
func NewReceiptService(spaces *storage.SpacesClient) *ReceiptService {
	return &ReceiptService{spaces: spaces}
}

type settlementReceipt struct {
	BookingID    uint                    `json:"booking_id"`
	Outcome      string                  `json:"outcome"`
	Status       model.PaymentStatus     `json:"payment_status"`
	Amounts      model.SettlementAmounts `json:"amounts"`
	GeneratedAt  time.Time               `json:"generated_at"`
}

// ArchiveSettlement uploads a receipt for a settled/cancelled booking
func (s *ReceiptService) ArchiveSettlement(ctx context.Context, bookingID uint, status model.PaymentStatus, outcome string, amounts model.SettlementAmounts) {
	if s.spaces == nil {
		return
	}

	receipt := settlementReceipt{
		BookingID:   bookingID,
		Outcome:     outcome,
		Status:      status,
		Amounts:     amounts,
		GeneratedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		log.Printf("Failed to marshal receipt for booking %d: %v", bookingID, err)
		return
	}

	key := fmt.Sprintf("receipts/booking-%d-%s.json", bookingID, outcome)
	if _, err := s.spaces.UploadBytes(ctx, key, data, "application/json"); err != nil {
		log.Printf("Failed to archive receipt for booking %d: %v", bookingID, err)
	}
}
