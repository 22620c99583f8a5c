package instancestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "instance.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleInstance(name string, peerPort int) Instance {
	return Instance{
		ContainerName: name,
		OwnerPubkey:   "edOwnerPubkey",
		ContractID:    "11111111-1111-1111-1111-111111111111",
		ContractDir:   "/sashimono/contracts/" + name,
		ImageName:     "evernode/sashimono:hotpocket-0.6.2-ubt.20.04",
		Ports: Ports{
			Peer:      peerPort,
			User:      peerPort + 1,
			GPTCPBase: peerPort + 2,
			GPUDPBase: peerPort + 3,
		},
		Status:   StatusCreated,
		Pubkey:   "edInstancePubkey",
		IP:       "172.18.0.2",
		Username: "sashi01",
	}
}

func TestCreateGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inst := sampleInstance("sashi01", 22001)
	require.NoError(t, s.Create(ctx, nil, inst))

	got, err := s.Get(ctx, nil, "sashi01")
	require.NoError(t, err)
	require.Equal(t, inst, got)

	list, err := s.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreateDuplicateContainerNameFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inst := sampleInstance("sashi01", 22001)
	require.NoError(t, s.Create(ctx, nil, inst))

	err := s.Create(ctx, nil, sampleInstance("sashi01", 22005))
	require.Error(t, err)
	require.Equal(t, errs.DupContainerError, errs.KindOf(err))
}

func TestCreateDuplicatePortFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, nil, sampleInstance("sashi01", 22001)))
	err := s.Create(ctx, nil, sampleInstance("sashi02", 22001))
	require.Error(t, err)
	require.Equal(t, errs.DupContainerError, errs.KindOf(err))
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), nil, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, nil, sampleInstance("sashi01", 22001)))

	require.NoError(t, s.UpdateStatus(ctx, nil, "sashi01", StatusRunning))
	got, err := s.Get(ctx, nil, "sashi01")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)

	require.ErrorIs(t, s.UpdateStatus(ctx, nil, "ghost", StatusRunning), ErrNotFound)
}

func TestDestroyFreesPortsAndRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := sampleInstance("sashi01", 22001)
	require.NoError(t, s.Create(ctx, nil, inst))

	freed, err := s.Destroy(ctx, nil, "sashi01")
	require.NoError(t, err)
	require.Equal(t, inst.Ports, freed)

	_, err = s.Get(ctx, nil, "sashi01")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestAssignedPeerPortsAndMaxPorts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.MaxPorts(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Create(ctx, nil, sampleInstance("sashi01", 22001)))
	require.NoError(t, s.Create(ctx, nil, sampleInstance("sashi02", 22010)))

	ports, err := s.AssignedPeerPorts(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []int{22001, 22010}, ports)

	max, ok, err := s.MaxPorts(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 22010, max.Peer)
}

func TestBeginTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, tx, sampleInstance("sashi01", 22001)))
	require.NoError(t, tx.Rollback())

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
