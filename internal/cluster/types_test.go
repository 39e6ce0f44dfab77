package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostJSONUnreachableEndpointReturnsErrNoEndpoint(t *testing.T) {
	err := PostJSON(context.Background(), "http://127.0.0.1:1", struct{}{}, nil)
	require.Error(t, err)
	var noEndpoint *ErrNoEndpoint
	require.ErrorAs(t, err, &noEndpoint)
	require.True(t, IsRoutingError(err))
}

func TestGetJSONUnreachableEndpointReturnsErrNoEndpoint(t *testing.T) {
	var out struct{}
	err := GetJSON(context.Background(), "http://127.0.0.1:1", &out)
	require.Error(t, err)
	var noEndpoint *ErrNoEndpoint
	require.ErrorAs(t, err, &noEndpoint)
	require.True(t, IsRoutingError(err))
}
