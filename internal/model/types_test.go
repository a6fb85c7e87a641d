package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfigClone(t *testing.T) {
	assert.Nil(t, (*ClientConfig)(nil).Clone())

	orig := &ClientConfig{
		Address:   "127.0.0.1",
		Port:      9415,
		Transport: TransportTCP,
		Env:       map[string]string{"KEY": "value"},
	}
	clone := orig.Clone()
	require.NotNil(t, clone)

	clone.Env["KEY"] = "mutated"
	clone.Port = 1
	assert.Equal(t, "value", orig.Env["KEY"])
	assert.Equal(t, 9415, orig.Port)
}

func TestClientConfigEndpoint(t *testing.T) {
	cfg := &ClientConfig{Address: "10.0.0.5", Port: 9415}
	assert.Equal(t, "10.0.0.5:9415", cfg.Endpoint())

	v6 := &ClientConfig{Address: "::1", Port: 9415}
	assert.Equal(t, "[::1]:9415", v6.Endpoint())
}
