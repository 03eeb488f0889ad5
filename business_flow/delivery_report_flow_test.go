package businessflow

import (
	"bytes"
	"context"
	"testing"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDownloadDeliveryReport(t *testing.T) {
	f := newMessageFixture(t, false)
	msg := f.create(t)
	resp, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
	require.NoError(t, err)

	event, err := (&fakeEventRepo{s: f.store}).ByID(context.Background(), uuid.MustParse(resp.Event.ID))
	require.NoError(t, err)
	saveProviderMessage(t, f.store, event.ID, models.BroadcastProviderEE, models.ProviderMessageStatusReturnedAck, 10)
	saveProviderMessage(t, f.store, event.ID, models.BroadcastProviderVodafone, models.ProviderMessageStatusTechnicalFailure, 11)

	reports := NewDeliveryReportFlow(&fakeMessageRepo{s: f.store}, &fakeEventRepo{s: f.store}, &fakeServiceRepo{s: f.store}, &fakeUserRepo{s: f.store}, "notifications.service.gov.uk")

	filename, data, err := reports.DownloadDeliveryReport(context.Background(), &dto.GetBroadcastMessageRequest{
		ServiceID: f.service.ID.String(),
		MessageID: msg.ID,
		UserID:    f.creator.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, "broadcast_"+msg.ID+"_deliveries.xlsx", filename)

	xl, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = xl.Close() }()

	summary, err := xl.GetRows(deliveryReportSummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"broadcast_message_id", msg.ID}, summary[0])
	assert.Equal(t, []string{"status", "broadcasting"}, summary[2])

	rows, err := xl.GetRows(deliveryReportDeliveriesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "event_id", rows[0][0])

	statusByProvider := map[string]string{}
	numberByProvider := map[string]string{}
	for _, row := range rows[1:] {
		assert.Equal(t, event.ID.String(), row[0])
		assert.Equal(t, "alert", row[1])
		statusByProvider[row[4]] = row[5]
		numberByProvider[row[4]] = row[6]
	}
	assert.Equal(t, "returned-ack", statusByProvider["ee"])
	assert.Equal(t, "technical-failure", statusByProvider["vodafone"])
	assert.Equal(t, "0000000a", numberByProvider["ee"])
	assert.Equal(t, "0000000b", numberByProvider["vodafone"])

	t.Run("outsider", func(t *testing.T) {
		_, _, err := reports.DownloadDeliveryReport(context.Background(), &dto.GetBroadcastMessageRequest{
			ServiceID: f.service.ID.String(),
			MessageID: msg.ID,
			UserID:    f.outsider.ID.String(),
		})
		assert.True(t, IsUserNotInService(err))
	})

	t.Run("event without provider messages", func(t *testing.T) {
		draft := f.create(t)
		_, err := f.transition(draft.ID, f.approver, models.BroadcastStatusBroadcasting)
		require.NoError(t, err)

		_, data, err := reports.DownloadDeliveryReport(context.Background(), &dto.GetBroadcastMessageRequest{
			ServiceID: f.service.ID.String(),
			MessageID: draft.ID,
			UserID:    f.creator.ID.String(),
		})
		require.NoError(t, err)

		xl, err := excelize.OpenReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer func() { _ = xl.Close() }()
		rows, err := xl.GetRows(deliveryReportDeliveriesSheet)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "not-sent", rows[1][5])
	})
}

func TestWriteSheetRows(t *testing.T) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()
	sheet := xl.GetSheetName(0)

	require.NoError(t, writeSheetRows(xl, sheet, 3, [][]string{{"a", "b"}, {"c", "d"}}))
	first, err := xl.GetCellValue(sheet, "A3")
	require.NoError(t, err)
	assert.Equal(t, "a", first)
	last, err := xl.GetCellValue(sheet, "B4")
	require.NoError(t, err)
	assert.Equal(t, "d", last)

	err = writeSheetRows(xl, "Missing", 1, [][]string{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write row 1 of sheet Missing")
}
