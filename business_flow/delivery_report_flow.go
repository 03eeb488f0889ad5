package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/xuri/excelize/v2"
)

const (
	deliveryReportSummarySheet    = "Broadcast"
	deliveryReportDeliveriesSheet = "Deliveries"
)

// DeliveryReportFlow exports what happened to a broadcast message at every provider
type DeliveryReportFlow interface {
	DownloadDeliveryReport(ctx context.Context, req *dto.GetBroadcastMessageRequest) (string, []byte, error)
}

// DeliveryReportFlowImpl implements DeliveryReportFlow
type DeliveryReportFlowImpl struct {
	messageRepo repository.BroadcastMessageRepository
	eventRepo   repository.BroadcastEventRepository
	serviceRepo repository.ServiceRepository
	userRepo    repository.UserRepository
	emailDomain string
}

func NewDeliveryReportFlow(
	messageRepo repository.BroadcastMessageRepository,
	eventRepo repository.BroadcastEventRepository,
	serviceRepo repository.ServiceRepository,
	userRepo repository.UserRepository,
	emailDomain string,
) DeliveryReportFlow {
	return &DeliveryReportFlowImpl{
		messageRepo: messageRepo,
		eventRepo:   eventRepo,
		serviceRepo: serviceRepo,
		userRepo:    userRepo,
		emailDomain: emailDomain,
	}
}

// DownloadDeliveryReport builds an xlsx workbook with a summary sheet and one row per event and provider
func (f *DeliveryReportFlowImpl) DownloadDeliveryReport(ctx context.Context, req *dto.GetBroadcastMessageRequest) (string, []byte, error) {
	serviceID, userID, err := parseServiceAndUser(req.ServiceID, req.UserID)
	if err != nil {
		return "", nil, NewBusinessError("INVALID_IDENTIFIER", "Invalid service or user id", err)
	}
	messageID, err := utils.ParseUUID(req.MessageID)
	if err != nil {
		return "", nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast message not found", ErrBroadcastMessageNotFound)
	}

	if err := requireReader(ctx, f.userRepo, f.serviceRepo, serviceID, userID); err != nil {
		return "", nil, err
	}

	message, err := f.messageRepo.ByIDForService(ctx, serviceID, messageID)
	if err != nil {
		return "", nil, NewBusinessError("BROADCAST_LOOKUP_FAILED", "Failed to lookup broadcast message", err)
	}
	if message == nil {
		return "", nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast message not found", ErrBroadcastMessageNotFound)
	}

	events, err := f.eventRepo.ListByMessage(ctx, message.ID)
	if err != nil {
		return "", nil, NewBusinessError("BROADCAST_EVENTS_LOOKUP_FAILED", "Failed to lookup broadcast events", err)
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	xl.SetSheetName(xl.GetSheetName(0), deliveryReportSummarySheet)
	summary := [][]string{
		{"broadcast_message_id", message.ID.String()},
		{"service_id", message.ServiceID.String()},
		{"status", message.Status.String()},
		{"content", message.Content},
		{"areas", fmt.Sprint(message.Areas.Areas)},
		{"starts_at", utils.FormatCAPDatetimePtr(message.StartsAt)},
		{"finishes_at", utils.FormatCAPDatetimePtr(message.FinishesAt)},
		{"stubbed", fmt.Sprint(message.Stubbed)},
		{"events", fmt.Sprint(len(events))},
	}
	if err := writeSheetRows(xl, deliveryReportSummarySheet, 1, summary); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}

	if _, err := xl.NewSheet(deliveryReportDeliveriesSheet); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}
	deliveries := [][]string{
		{"event_id", "message_type", "sent_at", "reference", "provider", "status", "message_number", "provider_message_id", "created_at", "updated_at"},
	}
	for _, e := range events {
		base := []string{e.ID.String(), e.MessageType.String(), utils.FormatCAPDatetime(e.SentAt), e.Reference(f.emailDomain)}
		if len(e.ProviderMessages) == 0 {
			deliveries = append(deliveries, append(base, "", "not-sent", "", "", "", ""))
			continue
		}
		for _, pm := range e.ProviderMessages {
			updatedAt := ""
			if pm.UpdatedAt != nil {
				updatedAt = pm.UpdatedAt.UTC().Format(time.RFC3339)
			}
			deliveries = append(deliveries, append(append([]string(nil), base...),
				pm.Provider.String(),
				pm.Status.String(),
				pm.FormattedNumber(),
				pm.ID.String(),
				pm.CreatedAt.UTC().Format(time.RFC3339),
				updatedAt,
			))
		}
	}
	if err := writeSheetRows(xl, deliveryReportDeliveriesSheet, 1, deliveries); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}
	filename := fmt.Sprintf("broadcast_%s_deliveries.xlsx", message.ID)
	return filename, buf.Bytes(), nil
}

// writeSheetRows writes rows to sheet starting at firstRow; the first failing row aborts the write
func writeSheetRows(xl *excelize.File, sheet string, firstRow int, rows [][]string) error {
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, firstRow+i)
		if err != nil {
			return err
		}
		if err := xl.SetSheetRow(sheet, cellRef, &row); err != nil {
			return fmt.Errorf("failed to write row %d of sheet %s: %w", firstRow+i, sheet, err)
		}
	}
	return nil
}
