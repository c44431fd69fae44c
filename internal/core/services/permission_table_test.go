package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldgw/internal/core/domain"
	fgerrors "fieldgw/pkg/errors"
)

func TestPermissionTable_GrantMasterDemotesPrevious(t *testing.T) {
	pt := NewPermissionTable()

	changes, err := pt.Set("A", domain.PermissionMaster)
	require.NoError(t, err)
	assert.Equal(t, []domain.PermissionChange{{Peer: "A", From: domain.PermissionGuest, To: domain.PermissionMaster}}, changes)

	changes, err = pt.Set("B", domain.PermissionMaster)
	require.NoError(t, err)
	assert.Equal(t, []domain.PermissionChange{
		{Peer: "A", From: domain.PermissionMaster, To: domain.PermissionGuest},
		{Peer: "B", From: domain.PermissionGuest, To: domain.PermissionMaster},
	}, changes)

	assert.Equal(t, domain.DeviceID("B"), pt.Master())
	assert.Equal(t, domain.PermissionGuest, pt.Get("A"))
}

func TestPermissionTable_IdempotentSet(t *testing.T) {
	pt := NewPermissionTable()

	_, err := pt.Set("A", domain.PermissionMaster)
	require.NoError(t, err)

	changes, err := pt.Set("A", domain.PermissionMaster)
	require.NoError(t, err)
	assert.Empty(t, changes)

	changes, err = pt.Set("C", domain.PermissionGuest)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, 2, pt.Len())
}

func TestPermissionTable_DemoteMaster(t *testing.T) {
	pt := NewPermissionTable()
	_, _ = pt.Set("A", domain.PermissionMaster)

	changes, err := pt.Set("A", domain.PermissionGuest)
	require.NoError(t, err)
	assert.Equal(t, []domain.PermissionChange{{Peer: "A", From: domain.PermissionMaster, To: domain.PermissionGuest}}, changes)
	assert.Empty(t, pt.Master())
}

func TestPermissionTable_RemoveMaster(t *testing.T) {
	pt := NewPermissionTable()
	pt.Join("A")
	_, _ = pt.Set("B", domain.PermissionMaster)

	assert.Empty(t, pt.Remove("A"))
	assert.Equal(t, []domain.PermissionChange{{Peer: "B", From: domain.PermissionMaster, To: domain.PermissionGuest}}, pt.Remove("B"))
	assert.Empty(t, pt.Master())
	assert.Equal(t, 0, pt.Len())
}

func TestPermissionTable_RejectsInvalidInput(t *testing.T) {
	pt := NewPermissionTable()

	_, err := pt.Set("", domain.PermissionMaster)
	assert.Equal(t, fgerrors.InitInvalidInput, fgerrors.CodeOf(err))

	_, err = pt.Set("A", domain.Permission(5))
	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(err))
	assert.Equal(t, 0, pt.Len())
}
