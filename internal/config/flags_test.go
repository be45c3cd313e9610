package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cli, err := Parse([]string{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7200", cli.ListenAddress)
	assert.Equal(t, 22, cli.LocalSSHPort)
}

func TestParse_CertificateRequiresPrivateKey(t *testing.T) {
	_, err := Parse([]string{"--certificate=cert.pem"})
	assert.Error(t, err)
}

func TestParse_RejectsOutOfRangeSSHPort(t *testing.T) {
	_, err := Parse([]string{"--local-ssh-port=99999"})
	assert.Error(t, err)
}
