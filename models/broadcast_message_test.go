package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastMessage_CanTransitionTo(t *testing.T) {
	allowed := map[BroadcastStatus]map[BroadcastStatus]bool{
		BroadcastStatusDraft:           {BroadcastStatusPendingApproval: true, BroadcastStatusBroadcasting: true},
		BroadcastStatusPendingApproval: {BroadcastStatusRejected: true, BroadcastStatusDraft: true, BroadcastStatusBroadcasting: true},
		BroadcastStatusRejected:        {BroadcastStatusDraft: true, BroadcastStatusPendingApproval: true},
		BroadcastStatusBroadcasting:    {BroadcastStatusCompleted: true, BroadcastStatusCancelled: true},
	}

	for _, from := range AllBroadcastStatuses {
		for _, to := range AllBroadcastStatuses {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				m := &BroadcastMessage{Status: from}
				assert.Equal(t, allowed[from][to], m.CanTransitionTo(to))
			})
		}
	}
}

func TestBroadcastStatus_Value(t *testing.T) {
	for _, s := range AllBroadcastStatuses {
		v, err := s.Value()
		require.NoError(t, err)
		assert.Equal(t, string(s), v)
	}

	_, err := BroadcastStatus("approved").Value()
	assert.Error(t, err)
}

func TestBroadcastStatus_Groups(t *testing.T) {
	assert.True(t, BroadcastStatusDraft.IsPreBroadcast())
	assert.True(t, BroadcastStatusPendingApproval.IsPreBroadcast())
	assert.True(t, BroadcastStatusRejected.IsPreBroadcast())
	assert.False(t, BroadcastStatusBroadcasting.IsPreBroadcast())
	assert.False(t, BroadcastStatusTechnicalFailure.IsPreBroadcast())

	assert.True(t, BroadcastStatusBroadcasting.IsLive())
	assert.True(t, BroadcastStatusCompleted.IsLive())
	assert.True(t, BroadcastStatusCancelled.IsLive())
	assert.False(t, BroadcastStatusTechnicalFailure.IsLive())
}

func TestBroadcastAreas_Clone(t *testing.T) {
	src := BroadcastAreas{
		Areas:          []string{"wd20-E05009372"},
		SimplePolygons: []Polygon{{{51.5, -0.1}, {51.6, -0.1}, {51.6, -0.2}}},
	}

	clone := src.Clone()
	src.Areas[0] = "changed"
	src.SimplePolygons[0][0][0] = 0

	assert.Equal(t, "wd20-E05009372", clone.Areas[0])
	assert.Equal(t, 51.5, clone.SimplePolygons[0][0][0])
}

func TestBroadcastAreas_HasPolygons(t *testing.T) {
	assert.False(t, BroadcastAreas{}.HasPolygons())
	assert.False(t, BroadcastAreas{SimplePolygons: []Polygon{{}}}.HasPolygons())
	assert.True(t, BroadcastAreas{SimplePolygons: []Polygon{{{1, 2}}}}.HasPolygons())
}

func TestBroadcastAreas_ScanValue(t *testing.T) {
	var empty BroadcastAreas
	v, err := empty.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"areas":[],"simple_polygons":[]}`, string(v.([]byte)))

	var scanned BroadcastAreas
	require.NoError(t, scanned.Scan(`{"areas":["a"],"simple_polygons":[[[1,2],[3,4]]]}`))
	assert.Equal(t, []string{"a"}, scanned.Areas)
	assert.Equal(t, Polygon{{1, 2}, {3, 4}}, scanned.SimplePolygons[0])

	assert.Error(t, scanned.Scan(42))
}

func TestBroadcastMessage_IsCreatedBy(t *testing.T) {
	creator := uuid.New()
	m := &BroadcastMessage{CreatedByID: &creator}
	assert.True(t, m.IsCreatedBy(creator))
	assert.False(t, m.IsCreatedBy(uuid.New()))
	assert.False(t, (&BroadcastMessage{}).IsCreatedBy(creator))
}
