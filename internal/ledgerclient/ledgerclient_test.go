package ledgerclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/ledgerclient"
)

func TestLeaseURIRoundTripWithOutboundIP(t *testing.T) {
	in := ledgerclient.LeaseURI{
		LeaseIndex:  7,
		LeaseAmount: 2,
		OutboundIP:  net.ParseIP("2001:db8::1"),
	}
	encoded := ledgerclient.EncodeLeaseURI(in)
	out, err := ledgerclient.DecodeLeaseURI(encoded)
	require.NoError(t, err)
	require.Equal(t, in.LeaseIndex, out.LeaseIndex)
	require.Equal(t, in.LeaseAmount, out.LeaseAmount)
	require.True(t, in.OutboundIP.Equal(out.OutboundIP))
}

func TestLeaseURIRoundTripWithoutOutboundIP(t *testing.T) {
	in := ledgerclient.LeaseURI{LeaseIndex: 0, LeaseAmount: 5}
	out, err := ledgerclient.DecodeLeaseURI(ledgerclient.EncodeLeaseURI(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeLeaseURIRejectsWrongLength(t *testing.T) {
	_, err := ledgerclient.DecodeLeaseURI("abcd")
	require.Error(t, err)
}

func TestDecodeLeaseURIRejectsBadHex(t *testing.T) {
	_, err := ledgerclient.DecodeLeaseURI("not-hex!!")
	require.Error(t, err)
}

func TestMockRegistrationAndUpdateRegInfo(t *testing.T) {
	m := ledgerclient.NewMock(
		ledgerclient.Registration{TokenID: 42, TotalInstanceCount: 3},
		ledgerclient.Moment{Index: 10, Size: time.Hour, StartIndex: 1000},
	)
	defer m.Close()

	ctx := context.Background()
	reg, err := m.GetRegistration(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), reg.TotalInstanceCount)

	res, err := m.UpdateRegInfo(ctx, 1, 2, 3, 2)
	require.NoError(t, err)
	require.NotEmpty(t, res.TxHash)

	reg, err = m.GetRegistration(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), reg.ActiveInstanceCount)
}

func TestMockValidatedTxAfterSubmission(t *testing.T) {
	m := ledgerclient.NewMock(ledgerclient.Registration{}, ledgerclient.Moment{Size: time.Hour})
	defer m.Close()
	ctx := context.Background()

	res, err := m.OfferLease(ctx, 0, 2, "tos", "")
	require.NoError(t, err)

	validated, successful, err := m.ValidatedTx(ctx, res.TxHash)
	require.NoError(t, err)
	require.True(t, validated)
	require.True(t, successful)

	validated, successful, err = m.ValidatedTx(ctx, "UNKNOWN")
	require.NoError(t, err)
	require.False(t, validated)
	require.False(t, successful)
}

func TestMockLeaseOffersAndUnoffered(t *testing.T) {
	m := ledgerclient.NewMock(ledgerclient.Registration{}, ledgerclient.Moment{Size: time.Hour})
	defer m.Close()
	ctx := context.Background()

	offered := ledgerclient.EncodeLeaseURI(ledgerclient.LeaseURI{LeaseIndex: 0, LeaseAmount: 2})
	unoffered := ledgerclient.EncodeLeaseURI(ledgerclient.LeaseURI{LeaseIndex: 1, LeaseAmount: 2})
	m.SeedLease(ledgerclient.LeaseToken{URI: offered, HasSellOffer: true})
	m.SeedLease(ledgerclient.LeaseToken{URI: unoffered, HasSellOffer: false})

	offers, err := m.GetLeaseOffers(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 1)

	unofferedLeases, err := m.GetUnofferedLeases(ctx)
	require.NoError(t, err)
	require.Len(t, unofferedLeases, 1)
}

func TestMockEmitAndConnectDeliversEvent(t *testing.T) {
	m := ledgerclient.NewMock(ledgerclient.Registration{}, ledgerclient.Moment{Size: time.Hour})
	defer m.Close()

	events, err := m.Connect(context.Background())
	require.NoError(t, err)

	m.Emit(ledgerclient.Event{Kind: ledgerclient.EventAcquireLease, Acquire: &ledgerclient.AcquireEvent{Tenant: "rTENANT"}})

	select {
	case e := <-events:
		require.Equal(t, ledgerclient.EventAcquireLease, e.Kind)
		require.Equal(t, "rTENANT", e.Acquire.Tenant)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}
