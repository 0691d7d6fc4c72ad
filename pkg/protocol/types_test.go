package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/monogit/pkg/monorepo"
	"github.com/odvcencio/monogit/pkg/object"
	"github.com/odvcencio/monogit/pkg/storage"
)

func TestParseServiceType(t *testing.T) {
	svc, err := ParseServiceType("git-upload-pack")
	require.NoError(t, err)
	require.Equal(t, UploadPack, svc)

	svc, err = ParseServiceType("git-receive-pack")
	require.NoError(t, err)
	require.Equal(t, ReceivePack, svc)
	require.Equal(t, "git-receive-pack", svc.String())

	for _, bad := range []string{"", "upload-pack", "git-upload-archive", "GIT-UPLOAD-PACK"} {
		_, err := ParseServiceType(bad)
		require.ErrorIs(t, err, ErrProtocol, bad)
	}
}

func TestCapabilities(t *testing.T) {
	caps := ParseCapabilities("report-status side-band-64k agent=git/2.43.0 ofs-delta quiet")
	require.True(t, caps.Has(CapReportStatus|CapSideBand64k|CapOfsDelta))
	require.False(t, caps.Has(CapSideBand))
	require.Equal(t, "report-status side-band-64k ofs-delta", caps.String())

	enabled, large := caps.SideBand()
	require.True(t, enabled)
	require.True(t, large)

	enabled, large = ParseCapabilities("side-band").SideBand()
	require.True(t, enabled)
	require.False(t, large)

	enabled, _ = ParseCapabilities("").SideBand()
	require.False(t, enabled)

	offered := offeredCapabilities(UploadPack, TransportHTTP)
	require.Equal(t, CapSideBand64k|CapOfsDelta, offered.Intersect(caps))
}

func TestTransportRules(t *testing.T) {
	for _, tr := range []TransportKind{TransportLocal, TransportHTTP, TransportSSH, TransportGit, TransportP2P} {
		require.True(t, tr.allows(UploadPack), tr.String())
	}
	require.True(t, TransportSSH.allows(ReceivePack))
	require.True(t, TransportHTTP.allows(ReceivePack))
	require.False(t, TransportGit.allows(ReceivePack))
	require.False(t, TransportP2P.allows(ReceivePack))

	enabled, _ := offeredCapabilities(UploadPack, TransportP2P).SideBand()
	require.False(t, enabled)
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("read: %w", ErrProtocol), http.StatusBadRequest},
		{reject("stale info"), http.StatusBadRequest},
		{monorepo.ErrInvalidName, http.StatusBadRequest},
		{ErrUnsupportedTransportOperation, http.StatusForbidden},
		{storage.ErrNotFound, http.StatusNotFound},
		{object.ErrObjectNotFound, http.StatusNotFound},
		{storage.ErrRefConflict, http.StatusConflict},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, StatusCode(tc.err), fmt.Sprint(tc.err))
	}
}
